package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/signer"
	"pomodoro-nostr/internal/types"
)

// SessionLog records completed sessions locally
type SessionLog interface {
	SessionCounter
	RecordSession(id string, durationMin int, completedAt int64) error
}

// SessionPublisher announces completed sessions
type SessionPublisher struct {
	pool    Pool
	signer  signer.Signer
	history SessionLog
	now     func() time.Time
	log     *slog.Logger
}

// NewSessionPublisher publishes through pool; history may be nil, in which
// case every session is tagged Beginner.
func NewSessionPublisher(pool Pool, s signer.Signer, history SessionLog, logger *slog.Logger) *SessionPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionPublisher{pool: pool, signer: s, history: history, now: time.Now, log: logger}
}

// SessionTemplate builds the unsigned kind 8808 event
func SessionTemplate(durationMin int, level Level, createdAt int64) types.Event {
	return types.Event{
		CreatedAt: createdAt,
		Kind:      types.KindSessionCompleted,
		Tags: [][]string{
			{"t", types.TagPomodoro},
			{"duration", strconv.Itoa(durationMin)},
			{"level", level.Tag()},
		},
	}
}

// Publish records a finished session of durationMin minutes, tags it with
// the current level and publishes it to every connected relay.
func (p *SessionPublisher) Publish(ctx context.Context, durationMin int) (Outcome, error) {
	if durationMin <= 0 {
		return Outcome{}, fmt.Errorf("invalid session duration %d", durationMin)
	}
	now := p.now()
	level := Beginner
	if p.history != nil {
		if err := p.history.RecordSession(uuid.NewString(), durationMin, now.Unix()); err != nil {
			p.log.Warn("failed to record session", "error", err)
		}
		var err error
		if level, err = CurrentLevel(p.history, now); err != nil {
			p.log.Warn("failed to compute level", "error", err)
		}
	}

	res, err := p.signer.Sign(ctx, SessionTemplate(durationMin, level, now.Unix()))
	if err != nil {
		return Outcome{}, fmt.Errorf("sign session: %w", err)
	}
	if !res.IsSigned() {
		return Outcome{Pending: res.Pending}, nil
	}
	return p.publish(*res.Event), nil
}

// CompletePending publishes a session event returned by an external signer
func (p *SessionPublisher) CompletePending(_ context.Context, requestID, signedJSON string) (Outcome, error) {
	evt, err := complete(p.signer, requestID, signedJSON)
	if err != nil {
		return Outcome{}, err
	}
	return p.publish(evt), nil
}

func (p *SessionPublisher) publish(evt types.Event) Outcome {
	sent := p.pool.Publish(evt)
	p.log.Info("session published", "event_id", nostr.ShortID(evt.ID), "sent", sent, "level", evt.TagValue("level"))
	return Outcome{Event: &evt, Sent: sent}
}
