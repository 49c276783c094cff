package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"pomodoro-nostr/internal/metacache"
	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/query"
	"pomodoro-nostr/internal/signer"
	"pomodoro-nostr/internal/types"
)

// Profile fetch waits through the pool
const (
	ProfileConnectTimeout = 8 * time.Second
	ProfileEventTimeout   = 5 * time.Second
)

// MetadataService reads and writes kind 0 profiles through the shared cache
type MetadataService struct {
	q      Querier
	pool   Pool
	signer signer.Signer
	cache  *metacache.Cache
	relays []string
	group  singleflight.Group

	fetchTimeout   time.Duration
	connectTimeout time.Duration
	eventTimeout   time.Duration
	now            func() time.Time
	log            *slog.Logger
}

// NewMetadataService batch-fetches from relays; single profiles go through pool
func NewMetadataService(q Querier, pool Pool, s signer.Signer, cache *metacache.Cache, relays []string, logger *slog.Logger) *MetadataService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataService{
		q:              q,
		pool:           pool,
		signer:         s,
		cache:          cache,
		relays:         relays,
		fetchTimeout:   query.FetchTimeout,
		connectTimeout: ProfileConnectTimeout,
		eventTimeout:   ProfileEventTimeout,
		now:            time.Now,
		log:            logger,
	}
}

// FetchBatch returns metadata for every pubkey it can find. Cached entries
// are used as is; the rest are loaded from the persistent backend and then
// fetched from the first relay that has any of them. Concurrent calls for
// the same missing set share one fetch.
func (s *MetadataService) FetchBatch(ctx context.Context, pubkeys []string) map[string]types.UserMetadata {
	missing := s.cache.Missing(pubkeys)
	if len(missing) > 0 {
		s.cache.Load(ctx, missing)
		missing = s.cache.Missing(missing)
	}
	if len(missing) > 0 {
		key := batchKey(missing)
		_, _, shared := s.group.Do(key, func() (interface{}, error) {
			filter := types.Filter{
				Kinds:   []uint16{types.KindMetadata},
				Authors: missing,
				Limit:   len(missing),
			}
			res, ok := s.q.FirstNonEmpty(ctx, s.relays, filter, s.fetchTimeout, "metadata", nil)
			if ok {
				for i := range res.Events {
					s.cache.PutEvent(&res.Events[i])
				}
			}
			return nil, nil
		})
		if shared {
			s.log.Debug("singleflight: shared metadata fetch", "count", len(missing))
		}
	}

	out := make(map[string]types.UserMetadata, len(pubkeys))
	for _, pk := range pubkeys {
		if m, ok := s.cache.Get(pk); ok {
			out[pk] = m
		}
	}
	return out
}

// batchKey is stable for identical sets
func batchKey(pubkeys []string) string {
	sorted := slices.Clone(pubkeys)
	slices.Sort(sorted)
	return "metadata:" + strings.Join(slices.Compact(sorted), ",")
}

// FetchProfile asks the connected pool for pubkey's newest kind 0 event and
// returns the cached profile afterwards. It waits for a connection and for
// the first event, each with its own timeout.
func (s *MetadataService) FetchProfile(ctx context.Context, pubkey string) (types.UserMetadata, bool) {
	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	err := s.pool.WaitConnected(connectCtx)
	cancel()
	if err != nil {
		s.log.Debug("profile fetch without connection", "pubkey", nostr.ShortID(pubkey), "error", err)
		return s.cache.Get(pubkey)
	}

	events, stop := s.pool.Events()
	defer stop()

	subID := query.NewSubscriptionID("profile")
	s.pool.Subscribe(subID, types.Filter{
		Kinds:   []uint16{types.KindMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	})
	defer s.pool.Unsubscribe(subID)

	timer := time.NewTimer(s.eventTimeout)
	defer timer.Stop()
	for {
		select {
		case in, ok := <-events:
			if !ok {
				return s.cache.Get(pubkey)
			}
			if in.SubscriptionID != subID || in.Event.PubKey != pubkey {
				continue
			}
			s.cache.PutEvent(&in.Event)
			return s.cache.Get(pubkey)
		case <-timer.C:
			return s.cache.Get(pubkey)
		case <-ctx.Done():
			return s.cache.Get(pubkey)
		}
	}
}

// PublishProfile signs m as kind 0 and publishes it through the pool. The
// cache is updated once the event was sent.
func (s *MetadataService) PublishProfile(ctx context.Context, m types.UserMetadata) (Outcome, error) {
	tmpl := types.Event{
		CreatedAt: s.now().Unix(),
		Kind:      types.KindMetadata,
		Tags:      [][]string{},
		Content:   m.Content(),
	}
	res, err := s.signer.Sign(ctx, tmpl)
	if err != nil {
		return Outcome{}, fmt.Errorf("sign profile: %w", err)
	}
	if !res.IsSigned() {
		return Outcome{Pending: res.Pending}, nil
	}
	return s.publish(*res.Event), nil
}

// CompletePending publishes a profile returned by an external signer
func (s *MetadataService) CompletePending(_ context.Context, requestID, signedJSON string) (Outcome, error) {
	evt, err := complete(s.signer, requestID, signedJSON)
	if err != nil {
		return Outcome{}, err
	}
	return s.publish(evt), nil
}

func (s *MetadataService) publish(evt types.Event) Outcome {
	sent := s.pool.Publish(evt)
	if sent {
		s.cache.PutEvent(&evt)
	}
	return Outcome{Event: &evt, Sent: sent}
}
