package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the current protocol version this codec emits.
const Version uint8 = 1

// Errors returned by Encode/Decode per the §7 Protocol error taxonomy.
// Decode failures never tear down the connection; callers log and drop the
// offending frame.
var (
	ErrInvalidFormat   = errors.New("wire: invalid format")
	ErrVersionMismatch = errors.New("wire: unsupported protocol version")
	ErrUnknownTag      = errors.New("wire: unknown message tag")
)

// Envelope is a versioned, sequenced wrapper around a Message. Every frame
// emitted by an endpoint MUST carry a sequence strictly greater than any
// previously emitted frame on that endpoint; Codec does not enforce this
// itself — see Sequencer.
type Envelope struct {
	Version  uint8
	Sequence uint32
	Payload  Message
}

// Message is implemented by every tagged variant in message.go. The tag
// string returned by Tag() MUST match the variant name in §6 exactly — it
// is the cross-language interop contract.
type Message interface {
	Tag() string
}

func (SessionCreate) Tag() string         { return "SessionCreate" }
func (SessionCreated) Tag() string        { return "SessionCreated" }
func (SessionAttach) Tag() string         { return "SessionAttach" }
func (SessionDetach) Tag() string         { return "SessionDetach" }
func (SessionKill) Tag() string           { return "SessionKill" }
func (SessionResize) Tag() string         { return "SessionResize" }
func (SessionData) Tag() string           { return "SessionData" }
func (SessionClosed) Tag() string         { return "SessionClosed" }
func (FileListRequest) Tag() string       { return "FileListRequest" }
func (FileListResponse) Tag() string      { return "FileListResponse" }
func (FileDownloadRequest) Tag() string   { return "FileDownloadRequest" }
func (FileDownloadChunk) Tag() string     { return "FileDownloadChunk" }
func (FileUploadStart) Tag() string       { return "FileUploadStart" }
func (FileUploadChunk) Tag() string       { return "FileUploadChunk" }
func (FileUploadComplete) Tag() string    { return "FileUploadComplete" }
func (DeviceInfo) Tag() string            { return "DeviceInfo" }
func (DeviceApprovalRequest) Tag() string { return "DeviceApprovalRequest" }
func (DeviceApproved) Tag() string        { return "DeviceApproved" }
func (DeviceRejected) Tag() string        { return "DeviceRejected" }
func (Ping) Tag() string                  { return "Ping" }
func (Pong) Tag() string                  { return "Pong" }
func (Error) Tag() string                 { return "Error" }
func (Capabilities) Tag() string          { return "Capabilities" }

// Codec encodes and decodes envelopes and messages. It is stateless and may
// be used concurrently from any number of goroutines; the same instance
// backs every channel (see ChannelCodec).
type Codec struct{}

// NewCodec returns a ready-to-use Codec.
func NewCodec() *Codec { return &Codec{} }

// defaultCodec is the package-level instance ChannelCodec hands out today.
var defaultCodec = NewCodec()

// ChannelCodec returns the codec instance bound to a channel name. All three
// channels currently share one stateless codec; the selector exists so a
// future per-channel encoding (e.g. compression on "files") can be
// introduced without changing call sites.
func ChannelCodec(_ ChannelName) *Codec { return defaultCodec }

// ChannelName identifies one of the three data channels defined in §3.
type ChannelName string

const (
	ChannelControl  ChannelName = "control"
	ChannelTerminal ChannelName = "terminal"
	ChannelFiles    ChannelName = "files"
)

// EncodeEnvelope serializes env as a 3-element MessagePack array
// [version, sequence, payload].
func (c *Codec) EncodeEnvelope(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.EncodeArrayLen(3); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := enc.EncodeUint(uint64(env.Version)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := enc.EncodeUint(uint64(env.Sequence)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := c.encodeMessage(enc, env.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope parses bytes produced by EncodeEnvelope. It returns
// ErrVersionMismatch when the carried version is not Version, ErrUnknownTag
// when the message tag names no known variant, and ErrInvalidFormat for any
// other structural problem.
func (c *Codec) DecodeEnvelope(data []byte) (Envelope, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil || n != 3 {
		return Envelope{}, fmt.Errorf("%w: envelope must be a 3-element array", ErrInvalidFormat)
	}
	version, err := dec.DecodeUint8()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: version: %v", ErrInvalidFormat, err)
	}
	if version != Version {
		return Envelope{}, fmt.Errorf("%w: got version %d, want %d", ErrVersionMismatch, version, Version)
	}
	seq, err := dec.DecodeUint32()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: sequence: %v", ErrInvalidFormat, err)
	}
	msg, err := c.decodeMessage(dec)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Version: version, Sequence: seq, Payload: msg}, nil
}

// EncodeMessage serializes msg alone as a 2-element array [tag, data],
// without an envelope.
func (c *Codec) EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := c.encodeMessage(enc, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses bytes produced by EncodeMessage.
func (c *Codec) DecodeMessage(data []byte) (Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return c.decodeMessage(dec)
}

func (c *Codec) encodeMessage(enc *msgpack.Encoder, msg Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message payload", ErrInvalidFormat)
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := enc.EncodeString(msg.Tag()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return nil
}

func (c *Codec) decodeMessage(dec *msgpack.Decoder) (Message, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil || n != 2 {
		return nil, fmt.Errorf("%w: message must be a 2-element array", ErrInvalidFormat)
	}
	tag, err := dec.DecodeString()
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrInvalidFormat, err)
	}

	decodeInto := func(v Message) (Message, error) {
		if err := dec.Decode(v); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidFormat, tag, err)
		}
		return v, nil
	}

	switch tag {
	case "SessionCreate":
		return decodeInto(&SessionCreate{})
	case "SessionCreated":
		return decodeInto(&SessionCreated{})
	case "SessionAttach":
		return decodeInto(&SessionAttach{})
	case "SessionDetach":
		return decodeInto(&SessionDetach{})
	case "SessionKill":
		return decodeInto(&SessionKill{})
	case "SessionResize":
		return decodeInto(&SessionResize{})
	case "SessionData":
		return decodeInto(&SessionData{})
	case "SessionClosed":
		return decodeInto(&SessionClosed{})
	case "FileListRequest":
		return decodeInto(&FileListRequest{})
	case "FileListResponse":
		return decodeInto(&FileListResponse{})
	case "FileDownloadRequest":
		return decodeInto(&FileDownloadRequest{})
	case "FileDownloadChunk":
		return decodeInto(&FileDownloadChunk{})
	case "FileUploadStart":
		return decodeInto(&FileUploadStart{})
	case "FileUploadChunk":
		return decodeInto(&FileUploadChunk{})
	case "FileUploadComplete":
		return decodeInto(&FileUploadComplete{})
	case "DeviceInfo":
		return decodeInto(&DeviceInfo{})
	case "DeviceApprovalRequest":
		return decodeInto(&DeviceApprovalRequest{})
	case "DeviceApproved":
		return decodeInto(&DeviceApproved{})
	case "DeviceRejected":
		return decodeInto(&DeviceRejected{})
	case "Ping":
		return decodeInto(&Ping{})
	case "Pong":
		return decodeInto(&Pong{})
	case "Error":
		return decodeInto(&Error{})
	case "Capabilities":
		return decodeInto(&Capabilities{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
}
