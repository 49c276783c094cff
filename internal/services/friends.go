package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/query"
	"pomodoro-nostr/internal/signer"
	"pomodoro-nostr/internal/types"
)

const friendSignalLimit = 200

// FriendService publishes and reads friend-add signals
type FriendService struct {
	q              Querier
	signer         signer.Signer
	relays         []string
	fetchTimeout   time.Duration
	publishTimeout time.Duration
	now            func() time.Time
	log            *slog.Logger
}

// NewFriendService uses relays for both directions
func NewFriendService(q Querier, s signer.Signer, relays []string, logger *slog.Logger) *FriendService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FriendService{
		q:              q,
		signer:         s,
		relays:         relays,
		fetchTimeout:   query.FetchTimeout,
		publishTimeout: query.PublishTimeout,
		now:            time.Now,
		log:            logger,
	}
}

// FriendSignalTemplate builds the unsigned kind 8809 event for target
func FriendSignalTemplate(target string, createdAt int64) types.Event {
	return types.Event{
		CreatedAt: createdAt,
		Kind:      types.KindFriendSignal,
		Tags: [][]string{
			{"p", target},
			{"t", types.TagPomodoroFriend},
		},
	}
}

// FetchInbound returns the sorted set of authors who signalled us as a
// friend on any relay. Our own pubkey is never included.
func (s *FriendService) FetchInbound(ctx context.Context) []string {
	self := s.signer.PublicKey()
	if self == "" {
		return nil
	}
	filter := types.Filter{
		Kinds: []uint16{types.KindFriendSignal},
		PTags: []string{self},
		Limit: friendSignalLimit,
	}
	results := s.q.FanOut(ctx, s.relays, filter, s.fetchTimeout, "friends")

	authors := make(map[string]bool)
	for _, res := range results {
		for _, evt := range res.Events {
			if evt.PubKey != self {
				authors[evt.PubKey] = true
			}
		}
	}
	out := make([]string, 0, len(authors))
	for pk := range authors {
		out = append(out, pk)
	}
	sort.Strings(out)
	s.log.Debug("inbound friend signals", "authors", len(out))
	return out
}

// PublishFriendAdd signs a friend signal for target (npub or hex) and sends
// it to every relay. With an external signer the outcome is pending until
// CompletePending is called.
func (s *FriendService) PublishFriendAdd(ctx context.Context, target string) (Outcome, error) {
	pk, err := nostr.ParsePublicKey(target)
	if err != nil {
		return Outcome{}, err
	}
	res, err := s.signer.Sign(ctx, FriendSignalTemplate(pk, s.now().Unix()))
	if err != nil {
		return Outcome{}, fmt.Errorf("sign friend signal: %w", err)
	}
	if !res.IsSigned() {
		return Outcome{Pending: res.Pending}, nil
	}
	return s.publish(ctx, *res.Event), nil
}

// CompletePending publishes a friend signal returned by an external signer
func (s *FriendService) CompletePending(ctx context.Context, requestID, signedJSON string) (Outcome, error) {
	evt, err := complete(s.signer, requestID, signedJSON)
	if err != nil {
		return Outcome{}, err
	}
	return s.publish(ctx, evt), nil
}

func (s *FriendService) publish(ctx context.Context, evt types.Event) Outcome {
	results := s.q.PublishEach(ctx, s.relays, evt, s.publishTimeout)
	return Outcome{Event: &evt, Sent: query.AnySent(results), Relays: results}
}
