package services

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"pomodoro-nostr/internal/query"
	"pomodoro-nostr/internal/types"
)

// Ranking windows
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day

	rankingLimit = 500
)

// RankingService builds leaderboards from session events
type RankingService struct {
	q       Querier
	relays  []string
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewRankingService queries every relay in relays
func NewRankingService(q Querier, relays []string, logger *slog.Logger) *RankingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RankingService{
		q:       q,
		relays:  relays,
		timeout: query.FetchTimeout,
		now:     time.Now,
		log:     logger,
	}
}

// FetchRankings fetches the last thirty days of sessions for pubkeys from
// all relays and buckets them. An empty pubkey set makes no network call.
func (s *RankingService) FetchRankings(ctx context.Context, pubkeys []string) types.Rankings {
	if len(pubkeys) == 0 {
		return types.Rankings{Daily: []types.RankingEntry{}, Weekly: []types.RankingEntry{}, Monthly: []types.RankingEntry{}}
	}
	now := s.now()
	filter := types.Filter{
		Kinds:   []uint16{types.KindSessionCompleted},
		Authors: pubkeys,
		Since:   types.Int64Ptr(now.Add(-Month).Unix()),
		Limit:   rankingLimit,
	}
	results := s.q.FanOut(ctx, s.relays, filter, s.timeout, "ranking")
	var events []types.Event
	for _, res := range results {
		events = append(events, res.Events...)
	}
	rankings := ComputeRankings(pubkeys, events, now)
	s.log.Debug("rankings computed", "pubkeys", len(pubkeys), "events", len(events))
	return rankings
}

// ComputeRankings counts each distinct session event into the Daily, Weekly
// and Monthly buckets ending at now. An event id seen from several relays
// counts once; two different events by the same author both count. Every
// pubkey gets an entry in every bucket; events by other authors or older
// than a month are ignored. Each bucket is sorted by count descending, ties
// in pubkey input order. Entries carry the level tag of the author's newest
// event that has one.
func ComputeRankings(pubkeys []string, events []types.Event, now time.Time) types.Rankings {
	dayAgo := now.Add(-Day).Unix()
	weekAgo := now.Add(-Week).Unix()
	monthAgo := now.Add(-Month).Unix()

	order := make([]string, 0, len(pubkeys))
	daily := make(map[string]int, len(pubkeys))
	weekly := make(map[string]int, len(pubkeys))
	monthly := make(map[string]int, len(pubkeys))
	for _, pk := range pubkeys {
		if _, dup := monthly[pk]; dup {
			continue
		}
		order = append(order, pk)
		daily[pk], weekly[pk], monthly[pk] = 0, 0, 0
	}

	type levelAt struct {
		tag string
		at  int64
	}
	levels := make(map[string]levelAt)
	seen := make(map[string]bool, len(events))

	for i := range events {
		evt := &events[i]
		if seen[evt.ID] {
			continue
		}
		seen[evt.ID] = true
		if _, ok := monthly[evt.PubKey]; !ok || evt.CreatedAt < monthAgo {
			continue
		}

		monthly[evt.PubKey]++
		if evt.CreatedAt >= weekAgo {
			weekly[evt.PubKey]++
		}
		if evt.CreatedAt >= dayAgo {
			daily[evt.PubKey]++
		}

		if tag := evt.TagValue("level"); tag != "" {
			if cur, ok := levels[evt.PubKey]; !ok || evt.CreatedAt > cur.at {
				levels[evt.PubKey] = levelAt{tag: tag, at: evt.CreatedAt}
			}
		}
	}

	bucket := func(counts map[string]int) []types.RankingEntry {
		out := make([]types.RankingEntry, 0, len(order))
		for _, pk := range order {
			out = append(out, types.RankingEntry{PubKey: pk, SessionCount: counts[pk], Level: levels[pk].tag})
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].SessionCount > out[j].SessionCount })
		return out
	}

	return types.Rankings{
		Daily:   bucket(daily),
		Weekly:  bucket(weekly),
		Monthly: bucket(monthly),
	}
}
