// Package types provides shared type definitions used across internal packages.
package types

import (
	"encoding/json"
	"slices"
	"strings"
)

// Event kinds used by the app
const (
	KindMetadata         uint16 = 0
	KindSessionCompleted uint16 = 8808
	KindFriendSignal     uint16 = 8809
)

// Tag values identifying app events
const (
	TagPomodoro       = "pomodoro"
	TagPomodoroFriend = "pomodoro-friend"
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      uint16     `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// TagValue returns the first value for the given tag name, or empty string if not found.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns every value for the given tag name in order.
func (e *Event) TagValues(name string) []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []uint16
	Limit   int
	Since   *int64
	Until   *int64
	PTags   []string // #p tag filter (mentions)
	TTags   []string // #t tag filter (hashtags/topics)
	Search  string   // NIP-50 search query
}

// Int64Ptr is a helper for Since/Until.
func Int64Ptr(v int64) *int64 { return &v }

// MarshalJSON encodes the filter in relay wire form, omitting empty fields.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.PTags) > 0 {
		m["#p"] = f.PTags
	}
	if len(f.TTags) > 0 {
		m["#t"] = f.TTags
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a wire filter. Unknown keys are ignored.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw struct {
		IDs     []string `json:"ids"`
		Authors []string `json:"authors"`
		Kinds   []uint16 `json:"kinds"`
		PTags   []string `json:"#p"`
		TTags   []string `json:"#t"`
		Since   *int64   `json:"since"`
		Until   *int64   `json:"until"`
		Limit   int      `json:"limit"`
		Search  string   `json:"search"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{
		IDs:     raw.IDs,
		Authors: raw.Authors,
		Kinds:   raw.Kinds,
		PTags:   raw.PTags,
		TTags:   raw.TTags,
		Since:   raw.Since,
		Until:   raw.Until,
		Limit:   raw.Limit,
		Search:  raw.Search,
	}
	return nil
}

// Matches reports whether the event satisfies every constraint of the filter.
// Search is matched as a case-insensitive substring of the content.
func (f Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	if len(f.PTags) > 0 && !anyIn(e.TagValues("p"), f.PTags) {
		return false
	}
	if len(f.TTags) > 0 && !anyIn(e.TagValues("t"), f.TTags) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Content), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func anyIn(values, wanted []string) bool {
	for _, v := range values {
		if slices.Contains(wanted, v) {
			return true
		}
	}
	return false
}
