package signer

import (
	"context"
	"fmt"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/types"
)

// Local signs with a private key held in memory
type Local struct {
	secret string
	pubkey string
}

// NewLocal accepts an nsec or hex private key
func NewLocal(key string) (*Local, error) {
	sk, err := nostr.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, err
	}
	return &Local{secret: sk, pubkey: pk}, nil
}

// Generate creates a Local signer with a fresh key
func Generate() (*Local, error) {
	sk, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewLocal(sk)
}

func (l *Local) PublicKey() string { return l.pubkey }

// SecretKey returns the hex private key
func (l *Local) SecretKey() string { return l.secret }

func (l *Local) Sign(_ context.Context, tmpl types.Event) (Result, error) {
	evt := tmpl
	evt.Tags = cloneTags(tmpl.Tags)
	if err := nostr.SignEvent(&evt, l.secret); err != nil {
		return Result{}, err
	}
	return Signed(evt), nil
}

func cloneTags(tags [][]string) [][]string {
	out := make([][]string, len(tags))
	for i, t := range tags {
		out[i] = append([]string(nil), t...)
	}
	return out
}
