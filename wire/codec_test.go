package wire

import (
	"encoding/hex"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

// S1: Envelope round-trip (Ping). See spec.md §8.
func TestEnvelope_S1_PingVector(t *testing.T) {
	c := NewCodec()
	env := Envelope{
		Version:  1,
		Sequence: 1,
		Payload:  Ping{Timestamp: 12345, Payload: []byte{}},
	}

	want := mustHex(t, "93 01 01 92 a4 50 69 6e 67 92 cd 30 39 c4 00")

	got, err := c.EncodeEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Invariant 2: the first byte of the payload array is 0x92 (fixarray len 2).
	assert.Equal(t, byte(0x92), got[3])

	decoded, err := c.DecodeEnvelope(got)
	require.NoError(t, err)
	assert.Equal(t, env.Version, decoded.Version)
	assert.Equal(t, env.Sequence, decoded.Sequence)
	ping, ok := decoded.Payload.(*Ping)
	require.True(t, ok)
	assert.Equal(t, Timestamp(12345), ping.Timestamp)
	assert.Equal(t, []byte{}, ping.Payload)
}

// S2: SessionData binary. See spec.md §8.
func TestEnvelope_S2_SessionDataVector(t *testing.T) {
	c := NewCodec()
	env := Envelope{
		Version:  1,
		Sequence: 3,
		Payload:  SessionData{SessionID: "sess-1", Stream: Stdout, Data: []byte("Hello")},
	}

	want := mustHex(t, "93 01 03 92 ab 53 65 73 73 69 6f 6e 44 61 74 61 93 a6 73 65 73 73 2d 31 a6 53 74 64 6f 75 74 c4 05 48 65 6c 6c 6f")

	got, err := c.EncodeEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	decoded, err := c.DecodeEnvelope(got)
	require.NoError(t, err)
	data, ok := decoded.Payload.(*SessionData)
	require.True(t, ok)
	assert.Equal(t, "sess-1", data.SessionID)
	assert.Equal(t, Stdout, data.Stream)
	assert.Equal(t, []byte("Hello"), data.Data)
}

// Invariant 1: decode(encode(E)) == E structurally, for a representative
// message from each family in the union.
func TestEnvelope_RoundTrip_AllFamilies(t *testing.T) {
	c := NewCodec()
	shell := "/bin/zsh"
	cwd := "/home/user"
	exitCode := int32(0)
	reason := "normal exit"

	cases := []struct {
		name string
		msg  Message
	}{
		{"SessionCreate", SessionCreate{Cols: 80, Rows: 24, Shell: &shell, Env: []EnvVar{{Key: "TERM", Value: "xterm-256color"}}, Cwd: &cwd}},
		{"SessionCreate/nils", SessionCreate{Cols: 80, Rows: 24, Shell: nil, Env: nil, Cwd: nil}},
		{"SessionCreated", SessionCreated{SessionID: "s1", Pid: 4242}},
		{"SessionAttach", SessionAttach{SessionID: "s1"}},
		{"SessionDetach", SessionDetach{SessionID: "s1"}},
		{"SessionKill", SessionKill{SessionID: "s1", Signal: nil}},
		{"SessionResize", SessionResize{SessionID: "s1", Cols: 120, Rows: 40}},
		{"SessionClosed", SessionClosed{SessionID: "s1", ExitCode: &exitCode, Signal: nil, Reason: &reason}},
		{"FileListRequest", FileListRequest{Path: "/tmp", IncludeHidden: true}},
		{"FileListResponse", FileListResponse{Path: "/tmp", Entries: []FileEntry{
			{Name: "a.txt", EntryType: FileEntryFile, Size: 10, Mode: 0o644, Modified: 100},
		}}},
		{"FileDownloadRequest", FileDownloadRequest{Path: "/tmp/a.txt", Offset: 0, ChunkSize: 4096}},
		{"FileDownloadChunk", FileDownloadChunk{Path: "/tmp/a.txt", Offset: 0, TotalSize: 10, Data: []byte("0123456789"), IsLast: true}},
		{"FileUploadStart", FileUploadStart{Path: "/tmp/b.txt", Size: 10, Mode: 0o644, Overwrite: false}},
		{"FileUploadChunk", FileUploadChunk{Path: "/tmp/b.txt", Offset: 0, Data: []byte("abc")}},
		{"FileUploadComplete", FileUploadComplete{Path: "/tmp/b.txt", Checksum: make([]byte, 32)}},
		{"DeviceInfo", DeviceInfo{DeviceID: "d1", Name: "phone", OS: "ios", OSVersion: "17", Arch: "arm64", ProtocolVersion: 1}},
		{"DeviceApprovalRequest", DeviceApprovalRequest{DeviceID: "d1", Name: "phone", PublicKey: []byte{1, 2, 3}, Reason: nil}},
		{"DeviceApproved", DeviceApproved{DeviceID: "d1", ExpiresAt: nil, AllowedCapabilities: []string{"shell", "files"}}},
		{"DeviceRejected", DeviceRejected{DeviceID: "d1", Reason: "untrusted", RetryAllowed: true}},
		{"Ping", Ping{Timestamp: 1000.5, Payload: []byte{0xde, 0xad}}},
		{"Pong", Pong{Timestamp: 1000.5, Payload: []byte{0xde, 0xad}}},
		{"Error", Error{Code: ErrCodeTimeout, Message: "timed out", Context: nil, Recoverable: true}},
		{"Capabilities", Capabilities{ProtocolVersions: []uint8{1}, Features: []string{"resize"}, MaxMessageSize: 1 << 20, MaxSessions: 8, Compression: nil}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := c.EncodeMessage(tc.msg)
			require.NoError(t, err)
			assert.Equal(t, byte(0x92), encoded[0], "message payload must start with fixarray(2)")

			decoded, err := c.DecodeMessage(encoded)
			require.NoError(t, err)
			assert.Equal(t, tc.msg.Tag(), decoded.Tag())
			assert.Equal(t, tc.msg, reflect.ValueOf(decoded).Elem().Interface())
		})
	}
}

func TestDecodeEnvelope_VersionMismatch(t *testing.T) {
	c := NewCodec()
	env := Envelope{Version: 1, Sequence: 1, Payload: Ping{Timestamp: 1, Payload: []byte{}}}
	data, err := c.EncodeEnvelope(env)
	require.NoError(t, err)
	data[1] = 2 // corrupt version byte (positive fixint 1 -> 2)

	_, err = c.DecodeEnvelope(data)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDecodeEnvelope_InvalidFormat(t *testing.T) {
	c := NewCodec()
	_, err := c.DecodeEnvelope([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestDecodeMessage_UnknownTag(t *testing.T) {
	c := NewCodec()
	var buf []byte
	buf = append(buf, 0x92)       // fixarray(2)
	buf = append(buf, 0xa7)       // fixstr(7)
	buf = append(buf, "Unknown!"[:7]...)
	buf = append(buf, 0x90) // fixarray(0) payload

	_, err := c.DecodeMessage(buf)
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestChannelCodec_SameInstanceForAllChannels(t *testing.T) {
	assert.Same(t, ChannelCodec(ChannelControl), ChannelCodec(ChannelTerminal))
	assert.Same(t, ChannelCodec(ChannelTerminal), ChannelCodec(ChannelFiles))
}

func TestSequencer_StrictlyIncreasing(t *testing.T) {
	s := NewSequencer()
	prev := uint32(0)
	for i := 0; i < 1000; i++ {
		n := s.Next()
		assert.Greater(t, n, prev)
		prev = n
	}
}
