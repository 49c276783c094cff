package types

import (
	"encoding/json"
	"strings"
)

// UserMetadata contains user profile metadata (kind 0) plus the timestamp
// of the event it was read from.
type UserMetadata struct {
	PubKey      string `json:"-"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Website     string `json:"website,omitempty"`
	CreatedAt   int64  `json:"-"`
}

// ParseUserMetadata reads a kind 0 event's content. Malformed content
// yields an error; missing fields are left empty.
func ParseUserMetadata(e *Event) (UserMetadata, error) {
	var m UserMetadata
	if err := json.Unmarshal([]byte(e.Content), &m); err != nil {
		return UserMetadata{}, err
	}
	m.PubKey = e.PubKey
	m.CreatedAt = e.CreatedAt
	return m, nil
}

// Content serializes the metadata fields as kind 0 content.
func (m UserMetadata) Content() string {
	data, _ := json.Marshal(m)
	return string(data)
}

// BestName returns display_name, then name, then a shortened pubkey.
func (m UserMetadata) BestName() string {
	if s := strings.TrimSpace(m.DisplayName); s != "" {
		return s
	}
	if s := strings.TrimSpace(m.Name); s != "" {
		return s
	}
	if len(m.PubKey) > 8 {
		return m.PubKey[:8] + "..."
	}
	return m.PubKey
}
