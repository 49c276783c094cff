package services

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"pomodoro-nostr/internal/metacache"
	"pomodoro-nostr/internal/query"
	"pomodoro-nostr/internal/types"
)

const (
	minSearchLength = 2
	searchLimit     = 30
)

// SearchService finds users by name on NIP-50 relays
type SearchService struct {
	q       Querier
	relays  []string
	cache   *metacache.Cache
	timeout time.Duration
	log     *slog.Logger
}

// NewSearchService searches relays in order. Every profile seen is also
// offered to cache, which may be nil.
func NewSearchService(q Querier, relays []string, cache *metacache.Cache, logger *slog.Logger) *SearchService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchService{q: q, relays: relays, cache: cache, timeout: query.SearchTimeout, log: logger}
}

// Search returns profiles matching text, one per pubkey, sorted by display
// name ignoring case. Queries shorter than two characters return nothing
// without touching the network. Pubkeys in exclude are left out.
func (s *SearchService) Search(ctx context.Context, text string, exclude map[string]bool) []types.UserMetadata {
	text = strings.TrimSpace(text)
	if len([]rune(text)) < minSearchLength {
		return []types.UserMetadata{}
	}
	filter := types.Filter{
		Kinds:  []uint16{types.KindMetadata},
		Search: text,
		Limit:  searchLimit,
	}

	found := make(map[string]types.UserMetadata)
	s.q.FirstNonEmpty(ctx, s.relays, filter, s.timeout, "search", func(res query.Result) bool {
		for i := range res.Events {
			m, err := types.ParseUserMetadata(&res.Events[i])
			if err != nil {
				continue
			}
			if s.cache != nil {
				s.cache.Put(m)
			}
			if exclude[m.PubKey] {
				continue
			}
			if cur, ok := found[m.PubKey]; !ok || m.CreatedAt > cur.CreatedAt {
				found[m.PubKey] = m
			}
		}
		return len(found) > 0
	})

	out := make([]types.UserMetadata, 0, len(found))
	for _, m := range found {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].BestName()), strings.ToLower(out[j].BestName())
		if a != b {
			return a < b
		}
		return out[i].PubKey < out[j].PubKey
	})
	s.log.Debug("search done", "query", text, "results", len(out))
	return out
}
