// Package latency measures round-trip time over a peer's control channel
// using fixed-size ping/pong payloads. See §4.6 of the specification.
package latency

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// PayloadSize is the fixed wire size of a ping/pong payload: a 4-byte
// pingId followed by an 8-byte float64 timestamp, big-endian.
const PayloadSize = 12

const (
	pendingGCAge     = 30 * time.Second
	defaultResultCap = 100
)

// Measurement is the result of a completed ping/pong round trip.
type Measurement struct {
	PingID    uint32
	RTT       time.Duration
	Latency   time.Duration // one-way estimate, RTT/2
	Timestamp time.Time
}

type pending struct {
	sentAt time.Time
	tsMs   float64
}

// Option configures a Tracker at construction time.
type Option func(*Tracker)

// WithResultCap overrides the default 100-sample results buffer.
func WithResultCap(n int) Option {
	return func(t *Tracker) { t.resultCap = n }
}

// Tracker measures round-trip latency for one peer connection. It is safe
// for concurrent use.
type Tracker struct {
	mu sync.Mutex

	nextPingID uint32
	pending    map[uint32]pending

	results   []Measurement
	resultCap int

	now func() time.Time
}

// NewTracker constructs an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		pending:   make(map[uint32]pending),
		resultCap: defaultResultCap,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// EncodePing builds the 12-byte ping payload for pingId/timestamp (a sender
// clock reading in ms; StartMeasurement writes Unix epoch milliseconds from
// the wall clock, not a monotonic reading). The peer's pong echoes these
// bytes verbatim.
func EncodePing(pingID uint32, timestampMs float64) []byte {
	buf := make([]byte, PayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], pingID)
	binary.BigEndian.PutUint64(buf[4:12], math.Float64bits(timestampMs))
	return buf
}

// DecodePing recovers the pingId and timestamp from a 12-byte payload.
func DecodePing(buf []byte) (pingID uint32, timestampMs float64, ok bool) {
	if len(buf) != PayloadSize {
		return 0, 0, false
	}
	pingID = binary.BigEndian.Uint32(buf[0:4])
	timestampMs = math.Float64frombits(binary.BigEndian.Uint64(buf[4:12]))
	return pingID, timestampMs, true
}

// StartMeasurement allocates a new pingId, records the send time in the
// pending map, and returns the ping payload to send. Pending entries older
// than 30s are garbage-collected on every call.
func (t *Tracker) StartMeasurement() (pingID uint32, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, p := range t.pending {
		if now.Sub(p.sentAt) > pendingGCAge {
			delete(t.pending, id)
		}
	}

	t.nextPingID++
	id := t.nextPingID
	tsMs := float64(now.UnixNano()) / float64(time.Millisecond)
	t.pending[id] = pending{sentAt: now, tsMs: tsMs}
	return id, EncodePing(id, tsMs)
}

// CompleteMeasurement records a pong arrival for pingID and returns the
// measurement, or ok=false if pingID is unknown (already GC'd or never
// sent).
func (t *Tracker) CompleteMeasurement(pingID uint32) (Measurement, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, found := t.pending[pingID]
	if !found {
		return Measurement{}, false
	}
	delete(t.pending, pingID)

	now := t.now()
	rtt := now.Sub(p.sentAt)
	m := Measurement{
		PingID:    pingID,
		RTT:       rtt,
		Latency:   rtt / 2,
		Timestamp: now,
	}

	if len(t.results) >= t.resultCap {
		t.results = t.results[1:]
	}
	t.results = append(t.results, m)

	return m, true
}

// AverageRTT returns the mean RTT across the results buffer, or 0 if empty.
func (t *Tracker) AverageRTT() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.results) == 0 {
		return 0
	}
	var total time.Duration
	for _, m := range t.results {
		total += m.RTT
	}
	return total / time.Duration(len(t.results))
}

// IsWithinTarget reports whether the average RTT is at most 2x targetMs (a
// one-way latency target).
func (t *Tracker) IsWithinTarget(targetMs float64) bool {
	avg := t.AverageRTT()
	return float64(avg.Milliseconds()) <= 2*targetMs
}

// ResultsLen returns the current number of buffered RTT samples.
func (t *Tracker) ResultsLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.results)
}
