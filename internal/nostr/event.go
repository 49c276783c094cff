package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"pomodoro-nostr/internal/types"
)

var (
	ErrInvalidID        = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("event signature verification failed")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrMissingSignature = errors.New("event is not signed")
)

// SerializeEvent returns the canonical form hashed into the event id:
// [0, pubkey, created_at, kind, tags, content] with no HTML escaping.
func SerializeEvent(evt *types.Event) []byte {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding plain strings and ints cannot fail
	_ = enc.Encode([]interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content})
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// ComputeEventID derives the hex event id (sha256 of the canonical serialization)
func ComputeEventID(evt *types.Event) string {
	sum := sha256.Sum256(SerializeEvent(evt))
	return hex.EncodeToString(sum[:])
}

// CheckID reports whether the event id matches its canonical serialization
func CheckID(evt *types.Event) bool {
	return evt.ID == ComputeEventID(evt)
}

// ValidateEventSignature verifies Schnorr signature for a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ValidateEvent rejects events whose id does not match their content, and
// events carrying a signature that does not verify.
func ValidateEvent(evt *types.Event) error {
	if !IsHex64(evt.PubKey) || !IsHex64(evt.ID) {
		return ErrMalformedEvent
	}
	if !CheckID(evt) {
		return ErrInvalidID
	}
	if evt.Sig != "" && !ValidateEventSignature(evt) {
		return ErrInvalidSignature
	}
	return nil
}

// ValidateSignedEvent is ValidateEvent for events received from relays,
// which must carry a signature.
func ValidateSignedEvent(evt *types.Event) error {
	if evt.Sig == "" {
		return ErrMissingSignature
	}
	return ValidateEvent(evt)
}

// ParseEvent decodes and validates a JSON event.
func ParseEvent(data []byte) (types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return types.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ValidateEvent(&evt); err != nil {
		return types.Event{}, err
	}
	return evt, nil
}

// IsHex64 reports whether s is 64 lowercase hex characters (an id or x-only pubkey)
func IsHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
