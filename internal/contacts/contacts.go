// Package contacts manages the user's list of people they follow in the app.
package contacts

import (
	"errors"
	"fmt"
	"strings"

	"pomodoro-nostr/internal/nostr"
)

// User-facing validation messages
const (
	MsgInvalidKey = "Invalid npub or hex key"
	MsgSelf       = "You can't add yourself"
	MsgDuplicate  = "Already in your contacts"
)

// ValidationError is a rejected input with a message suitable for display
type ValidationError struct {
	Input   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// IsValidation reports whether err is a *ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Store persists the contact set
type Store interface {
	AddContact(pubkey string) (bool, error)
	RemoveContact(pubkey string) error
	HasContact(pubkey string) (bool, error)
	Contacts() ([]string, error)
}

// Manager validates and applies contact changes for one identity
type Manager struct {
	self  string
	store Store
}

// NewManager creates a Manager for the user with pubkey self (hex)
func NewManager(self string, store Store) *Manager {
	return &Manager{self: strings.ToLower(self), store: store}
}

// Add accepts an npub or hex key and returns the hex pubkey that was added
func (m *Manager) Add(input string) (string, error) {
	input = strings.TrimSpace(input)
	pk, err := nostr.ParsePublicKey(input)
	if err != nil {
		return "", &ValidationError{Input: input, Message: MsgInvalidKey}
	}
	if pk == m.self {
		return "", &ValidationError{Input: input, Message: MsgSelf}
	}
	added, err := m.store.AddContact(pk)
	if err != nil {
		return "", fmt.Errorf("add contact: %w", err)
	}
	if !added {
		return "", &ValidationError{Input: input, Message: MsgDuplicate}
	}
	return pk, nil
}

// Remove accepts an npub or hex key
func (m *Manager) Remove(input string) error {
	pk, err := nostr.ParsePublicKey(strings.TrimSpace(input))
	if err != nil {
		return &ValidationError{Input: input, Message: MsgInvalidKey}
	}
	return m.store.RemoveContact(pk)
}

// List returns the contact pubkeys (hex)
func (m *Manager) List() ([]string, error) {
	return m.store.Contacts()
}

// IsContact reports whether pubkey (hex) is a contact
func (m *Manager) IsContact(pubkey string) bool {
	ok, err := m.store.HasContact(strings.ToLower(pubkey))
	return err == nil && ok
}

// Set returns the contacts as a lookup set
func (m *Manager) Set() (map[string]bool, error) {
	list, err := m.store.Contacts()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(list))
	for _, pk := range list {
		set[pk] = true
	}
	return set, nil
}
