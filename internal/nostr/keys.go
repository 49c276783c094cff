package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"pomodoro-nostr/internal/types"
)

var ErrInvalidKey = errors.New("invalid key")

// GeneratePrivateKey generates a new random secp256k1 private key (hex)
func GeneratePrivateKey() (string, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(privKey.Serialize()), nil
}

// GetPublicKey derives the x-only public key (hex) from a hex private key
func GetPublicKey(privKeyHex string) (string, error) {
	b, err := hex.DecodeString(privKeyHex)
	if err != nil || len(b) != 32 {
		return "", ErrInvalidKey
	}
	privKey, _ := btcec.PrivKeyFromBytes(b)
	return hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey())), nil
}

// SignEvent fills PubKey, ID and Sig using the given hex private key
func SignEvent(evt *types.Event, privKeyHex string) error {
	b, err := hex.DecodeString(privKeyHex)
	if err != nil || len(b) != 32 {
		return ErrInvalidKey
	}
	privKey, _ := btcec.PrivKeyFromBytes(b)
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.PubKey = hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey()))
	evt.ID = ComputeEventID(evt)

	idBytes, _ := hex.DecodeString(evt.ID)
	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// ParsePublicKey accepts an npub or a 64-char hex key and returns lowercase hex.
func ParsePublicKey(input string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "npub1") {
		prefix, value, err := nip19.Decode(input)
		if err != nil || prefix != "npub" {
			return "", ErrInvalidKey
		}
		pk, ok := value.(string)
		if !ok || !IsHex64(pk) {
			return "", ErrInvalidKey
		}
		return pk, nil
	}
	input = strings.ToLower(input)
	if !IsHex64(input) {
		return "", ErrInvalidKey
	}
	return input, nil
}

// ParsePrivateKey accepts an nsec or a 64-char hex key and returns lowercase hex.
func ParsePrivateKey(input string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "nsec1") {
		prefix, value, err := nip19.Decode(input)
		if err != nil || prefix != "nsec" {
			return "", ErrInvalidKey
		}
		sk, ok := value.(string)
		if !ok || !IsHex64(sk) {
			return "", ErrInvalidKey
		}
		return sk, nil
	}
	input = strings.ToLower(input)
	if !IsHex64(input) {
		return "", ErrInvalidKey
	}
	return input, nil
}

// EncodeNpub returns the bech32 npub for a hex public key
func EncodeNpub(pubKeyHex string) (string, error) {
	return nip19.EncodePublicKey(pubKeyHex)
}

// EncodeNsec returns the bech32 nsec for a hex private key
func EncodeNsec(privKeyHex string) (string, error) {
	return nip19.EncodePrivateKey(privKeyHex)
}
