// Package pairing recognizes and validates QR-derived pairing payloads: the
// canonical JSON form plus the two legacy base58/URL encodings. See §4.2 of
// the specification.
package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// Payload is the decoded content of a scanned pairing code.
type Payload struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"` // base64 of a 32-byte Ed25519 public key
	RelayURL  string `json:"relay_url"`
	Expires   int64  `json:"expires"` // unix seconds
}

// ErrInvalidPayload is the base sentinel for every validation failure;
// wrapped errors carry a human-readable reason distinguishing the specific
// missing or malformed field.
var ErrInvalidPayload = errors.New("pairing: invalid payload")

const (
	legacyPrefixConnect = "remoshell://connect/"
	legacyPrefixShort   = "rs://"
)

// Parse recognizes and validates a scanned payload string, trying the
// formats in the order defined by §4.2: legacy "remoshell://connect/"
// base58, legacy "rs://" base58, raw canonical JSON, and finally bare
// base58. It never returns a payload without validating every field in §3.
func Parse(text string) (Payload, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Payload{}, fmt.Errorf("%w: empty input", ErrInvalidPayload)
	}

	var jsonText string
	switch {
	case strings.HasPrefix(s, legacyPrefixConnect):
		decoded, err := decodeBase58JSON(strings.TrimPrefix(s, legacyPrefixConnect))
		if err != nil {
			return Payload{}, err
		}
		jsonText = decoded
	case strings.HasPrefix(s, legacyPrefixShort):
		decoded, err := decodeBase58JSON(strings.TrimPrefix(s, legacyPrefixShort))
		if err != nil {
			return Payload{}, err
		}
		jsonText = decoded
	case strings.HasPrefix(s, "{"):
		jsonText = s
	default:
		decoded, err := decodeBase58JSON(s)
		if err != nil {
			return Payload{}, err
		}
		jsonText = decoded
	}

	return parseJSON(jsonText)
}

// Encode produces the canonical JSON encoding of p. Encoding only ever uses
// the canonical form; the legacy encodings remain decode-only (§9 Open
// Questions).
func Encode(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// EncodeBase58 encodes data using the Bitcoin alphabet, preserving leading
// zero bytes as leading '1' characters.
func EncodeBase58(data []byte) string {
	return base58.Encode(data)
}

// DecodeBase58 decodes a Bitcoin-alphabet base58 string back to bytes.
func DecodeBase58(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base58: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

func decodeBase58JSON(encoded string) (string, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base58: %v", ErrInvalidPayload, err)
	}
	return string(raw), nil
}

func parseJSON(jsonText string) (Payload, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return Payload{}, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidPayload, err)
	}

	deviceID, err := requireString(raw, "device_id")
	if err != nil {
		return Payload{}, err
	}
	publicKey, err := requireString(raw, "public_key")
	if err != nil {
		return Payload{}, fmt.Errorf("%w: missing or invalid public_key: %v", ErrInvalidPayload, err)
	}
	if _, err := base64.StdEncoding.DecodeString(publicKey); err != nil {
		return Payload{}, fmt.Errorf("%w: public_key is not valid base64", ErrInvalidPayload)
	}
	relayURL, err := requireString(raw, "relay_url")
	if err != nil {
		return Payload{}, err
	}
	expires, err := requireInt(raw, "expires")
	if err != nil {
		return Payload{}, err
	}

	return Payload{
		DeviceID:  deviceID,
		PublicKey: publicKey,
		RelayURL:  relayURL,
		Expires:   expires,
	}, nil
}

func requireString(raw map[string]any, field string) (string, error) {
	v, ok := raw[field]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", ErrInvalidPayload, field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: field %q must be a non-empty string", ErrInvalidPayload, field)
	}
	return s, nil
}

func requireInt(raw map[string]any, field string) (int64, error) {
	v, ok := raw[field]
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", ErrInvalidPayload, field)
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: field %q must be an integer", ErrInvalidPayload, field)
	}
	return int64(f), nil
}

// IsExpired reports whether p's expiry has passed relative to the current
// time. Expired payloads MUST still be reported by Parse but never acted
// upon by the caller.
func IsExpired(p Payload) bool {
	return time.Now().Unix() > p.Expires
}

// SecondsUntilExpiry returns the number of seconds remaining before p
// expires, clamped to zero once it has expired.
func SecondsUntilExpiry(p Payload) int64 {
	remaining := p.Expires - time.Now().Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}
