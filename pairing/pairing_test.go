package pairing

import (
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const canonicalJSON = `{"device_id":"d","public_key":"AA==","relay_url":"wss://r","expires":9999999999}`

// S4: Pairing parser acceptance.
func TestParse_CanonicalJSON(t *testing.T) {
	p, err := Parse(canonicalJSON)
	require.NoError(t, err)
	assert.Equal(t, "d", p.DeviceID)
	assert.Equal(t, "AA==", p.PublicKey)
	assert.Equal(t, "wss://r", p.RelayURL)
	assert.Equal(t, int64(9999999999), p.Expires)
}

func TestParse_MissingField(t *testing.T) {
	_, err := Parse(`{"device_id":"d"}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Contains(t, err.Error(), "public_key")
}

func TestParse_LegacyConnectPrefix(t *testing.T) {
	encoded := base58.Encode([]byte(canonicalJSON))
	p, err := Parse("remoshell://connect/" + encoded)
	require.NoError(t, err)
	assert.Equal(t, "d", p.DeviceID)
}

func TestParse_LegacyShortPrefix(t *testing.T) {
	encoded := base58.Encode([]byte(canonicalJSON))
	p, err := Parse("rs://" + encoded)
	require.NoError(t, err)
	assert.Equal(t, "d", p.DeviceID)
}

func TestParse_BareBase58(t *testing.T) {
	encoded := base58.Encode([]byte(canonicalJSON))
	p, err := Parse(encoded)
	require.NoError(t, err)
	assert.Equal(t, "d", p.DeviceID)
}

func TestParse_WhitespaceStripped(t *testing.T) {
	p, err := Parse("  " + canonicalJSON + "\n")
	require.NoError(t, err)
	assert.Equal(t, "d", p.DeviceID)
}

func TestParse_InvalidBase58(t *testing.T) {
	_, err := Parse("not-valid-base58-!!!")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestParse_PublicKeyNotBase64(t *testing.T) {
	_, err := Parse(`{"device_id":"d","public_key":"not base64!","relay_url":"wss://r","expires":1}`)
	require.Error(t, err)
}

func TestParse_WrongFieldType(t *testing.T) {
	_, err := Parse(`{"device_id":123,"public_key":"AA==","relay_url":"wss://r","expires":1}`)
	require.Error(t, err)
}

func TestEncode_RoundTrip(t *testing.T) {
	p := Payload{DeviceID: "d1", PublicKey: "AA==", RelayURL: "wss://r", Expires: 123}
	data, err := Encode(p)
	require.NoError(t, err)
	decoded, err := Parse(string(data))
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

// Invariant 10.
func TestIsExpired_PastExpiry(t *testing.T) {
	p := Payload{Expires: time.Now().Add(-time.Hour).Unix()}
	assert.True(t, IsExpired(p))
	assert.Equal(t, int64(0), SecondsUntilExpiry(p))
}

func TestIsExpired_FutureExpiry(t *testing.T) {
	p := Payload{Expires: time.Now().Add(time.Hour).Unix()}
	assert.False(t, IsExpired(p))
	assert.Greater(t, SecondsUntilExpiry(p), int64(0))
}

// Invariant 9: base58 round-trip, including leading zero bytes preserved as
// leading '1' characters.
func TestBase58_RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x00, 0x00, 0x01, 0x02},
		[]byte("hello world"),
		{0xff, 0xff, 0xff},
	}
	for _, data := range cases {
		encoded := EncodeBase58(data)
		decoded, err := DecodeBase58(encoded)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	}
}

func TestBase58_LeadingZeroPreserved(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01}
	encoded := EncodeBase58(data)
	assert.True(t, len(encoded) >= 2 && encoded[0] == '1' && encoded[1] == '1')
}
