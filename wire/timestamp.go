package wire

import (
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Timestamp carries a Ping/Pong clock reading. The wire type is "f64|u64":
// whole-number values are encoded using MessagePack's smallest fitting
// unsigned integer representation (matching the cross-language test
// vectors), and fractional values fall back to float64. Decoding accepts
// either representation.
type Timestamp float64

var (
	_ msgpack.CustomEncoder = Timestamp(0)
	_ msgpack.CustomDecoder = (*Timestamp)(nil)
)

// EncodeMsgpack implements msgpack.CustomEncoder.
func (t Timestamp) EncodeMsgpack(enc *msgpack.Encoder) error {
	f := float64(t)
	if f >= 0 && f == math.Trunc(f) && f <= math.MaxUint64 {
		return enc.EncodeUint(uint64(f))
	}
	return enc.EncodeFloat64(f)
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (t *Timestamp) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	switch n := v.(type) {
	case float64:
		*t = Timestamp(n)
	case float32:
		*t = Timestamp(float64(n))
	case int64:
		*t = Timestamp(float64(n))
	case uint64:
		*t = Timestamp(float64(n))
	case int8:
		*t = Timestamp(float64(n))
	case int16:
		*t = Timestamp(float64(n))
	case int32:
		*t = Timestamp(float64(n))
	case uint8:
		*t = Timestamp(float64(n))
	case uint16:
		*t = Timestamp(float64(n))
	case uint32:
		*t = Timestamp(float64(n))
	case int:
		*t = Timestamp(float64(n))
	default:
		*t = 0
	}
	return nil
}
