package types

// RankingEntry is one user's session count inside a time bucket
type RankingEntry struct {
	PubKey       string `json:"pubkey"`
	SessionCount int    `json:"session_count"`
	Level        string `json:"level,omitempty"` // tag of the most recent session, empty if none carried one
}

// Rankings groups the three leaderboard buckets. Each slice is sorted by
// SessionCount descending.
type Rankings struct {
	Daily   []RankingEntry `json:"daily"`
	Weekly  []RankingEntry `json:"weekly"`
	Monthly []RankingEntry `json:"monthly"`
}
