// Package peer manages one WebRTC peer connection per remote device, each
// owning three data channels with distinct reliability policies. See §4.4 of
// the specification.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// ChannelName identifies one of the three logical data streams carried over
// a peer connection.
type ChannelName string

const (
	ChannelControl  ChannelName = "control"
	ChannelTerminal ChannelName = "terminal"
	ChannelFiles    ChannelName = "files"
)

// State is the lifecycle state of a peer connection, derived from ICE
// transport transitions.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Role distinguishes the peer that creates data channels from the one that
// only accepts them.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// TrustState tracks the device-approval handshake carried over the control
// channel (DeviceApprovalRequest/DeviceApproved/DeviceRejected). It is
// bookkeeping only; no cryptographic verification is performed here.
type TrustState string

const (
	TrustPending  TrustState = "pending"
	TrustApproved TrustState = "approved"
	TrustRejected TrustState = "rejected"
)

// HistoryEntry records one connected/disconnected span for a peer.
type HistoryEntry struct {
	ConnectedAt    time.Time
	DisconnectedAt time.Time // zero value means still connected
	Duration       time.Duration
	Error          string
}

// EventKind discriminates the Event union emitted by Manager.Subscribe.
type EventKind string

const (
	EventSignal      EventKind = "signal"
	EventStateChange EventKind = "state_change"
	EventConnect     EventKind = "connect"
	EventClose       EventKind = "close"
	EventError       EventKind = "error"
	EventData        EventKind = "data"
)

// Event is a single item on the Manager's unified event stream. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind    EventKind
	PeerID  string
	Data    any // signal payload, or EventData's []byte
	Channel ChannelName
	State   State
	Err     error
}

var errUnknownPeer = errors.New("peer: unknown peer id")

// channelPolicy describes how a named channel must be created by the
// initiator, per §3/§4.4.
type channelPolicy struct {
	ordered        bool
	maxRetransmits *uint16
}

func policies() map[ChannelName]channelPolicy {
	zero := uint16(0)
	return map[ChannelName]channelPolicy{
		ChannelControl:  {ordered: true},
		ChannelFiles:    {ordered: true},
		ChannelTerminal: {ordered: false, maxRetransmits: &zero},
	}
}

type channelHandle struct {
	dc   *webrtc.DataChannel
	open bool
	name ChannelName
}

type session struct {
	mu sync.Mutex

	peerID string
	role   Role
	state  State
	trust  TrustState

	pc       *webrtc.PeerConnection
	channels map[ChannelName]*channelHandle

	history []HistoryEntry
}

// Manager owns one peer connection per remote device and multiplexes their
// events onto a single subscriber stream.
type Manager struct {
	mu    sync.Mutex
	peers map[string]*session

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithICEServers overrides the default STUN/TURN server list.
func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(m *Manager) { m.iceServers = servers }
}

// WithLogger sets the structured logger used for protocol/transient errors.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager constructs an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		peers:       make(map[string]*session),
		subscribers: make(map[int]func(Event)),
		iceServers:  []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Subscribe registers fn to receive every Event emitted by the manager. A
// panicking subscriber is recovered and logged; it never blocks delivery to
// the others. It returns an unsubscribe function.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.subMu.Lock()
	fns := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		m.dispatchSafely(fn, ev)
	}
}

func (m *Manager) dispatchSafely(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("peer: subscriber panicked", "recovered", r)
		}
	}()
	fn(ev)
}

// CreateConnection builds a peer connection for peerID. If one already
// exists it is destroyed first, per §4.4. The initiator creates the three
// data channels as soon as the peer connection is built, before any offer
// and not on the connect transition; the responder waits for OnDataChannel.
func (m *Manager) CreateConnection(peerID string, initiator bool) error {
	m.destroyLocked(peerID)

	role := RoleResponder
	if initiator {
		role = RoleInitiator
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return fmt.Errorf("peer: create peer connection: %w", err)
	}

	s := &session{
		peerID:   peerID,
		role:     role,
		state:    StateConnecting,
		trust:    TrustPending,
		pc:       pc,
		channels: make(map[ChannelName]*channelHandle),
	}

	m.mu.Lock()
	m.peers[peerID] = s
	m.mu.Unlock()

	m.wireHandlers(s)

	if initiator {
		for name, pol := range policies() {
			if err := m.createChannel(s, name, pol); err != nil {
				m.log.Warn("peer: create data channel failed", "peer", peerID, "channel", name, "error", err)
			}
		}
	}

	m.emit(Event{Kind: EventStateChange, PeerID: peerID, State: StateConnecting})
	return nil
}

func (m *Manager) wireHandlers(s *session) {
	peerID := s.peerID
	pc := s.pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.emit(Event{Kind: EventSignal, PeerID: peerID, Data: c.ToJSON()})
	})

	pc.OnICEConnectionStateChange(func(ics webrtc.ICEConnectionState) {
		newState, ok := mapICEState(ics)
		if !ok {
			return
		}
		s.mu.Lock()
		changed := s.state != newState
		s.state = newState
		if changed && newState == StateConnected {
			s.history = append(s.history, HistoryEntry{ConnectedAt: time.Now()})
		} else if newState == StateDisconnected || newState == StateFailed {
			m.closeOpenHistoryEntry(s, ics.String())
		}
		s.mu.Unlock()

		if !changed {
			return
		}
		m.emit(Event{Kind: EventStateChange, PeerID: peerID, State: newState})
		switch newState {
		case StateConnected:
			m.emit(Event{Kind: EventConnect, PeerID: peerID})
		case StateFailed:
			m.emit(Event{Kind: EventError, PeerID: peerID, Err: fmt.Errorf("peer: ice transport failed")})
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		name := ChannelName(dc.Label())
		if _, known := policies()[name]; !known {
			m.log.Warn("peer: ignoring data channel with unrecognized name", "peer", peerID, "channel", name)
			return
		}
		s.mu.Lock()
		s.channels[name] = &channelHandle{dc: dc, name: name}
		s.mu.Unlock()
		m.wireChannel(s, name, dc)
	})
}

func (m *Manager) closeOpenHistoryEntry(s *session, reason string) {
	for i := range s.history {
		if s.history[i].DisconnectedAt.IsZero() {
			s.history[i].DisconnectedAt = time.Now()
			s.history[i].Duration = s.history[i].DisconnectedAt.Sub(s.history[i].ConnectedAt)
			if reason != "" {
				s.history[i].Error = reason
			}
			return
		}
	}
}

func mapICEState(s webrtc.ICEConnectionState) (State, bool) {
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected, true
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return StateFailed, true
	default:
		return "", false
	}
}

func (m *Manager) createChannel(s *session, name ChannelName, pol channelPolicy) error {
	init := &webrtc.DataChannelInit{Ordered: &pol.ordered}
	if pol.maxRetransmits != nil {
		init.MaxRetransmits = pol.maxRetransmits
	}
	dc, err := s.pc.CreateDataChannel(string(name), init)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.channels[name] = &channelHandle{dc: dc, name: name}
	s.mu.Unlock()
	m.wireChannel(s, name, dc)
	return nil
}

func (m *Manager) wireChannel(s *session, name ChannelName, dc *webrtc.DataChannel) {
	peerID := s.peerID
	dc.OnOpen(func() {
		s.mu.Lock()
		if h, ok := s.channels[name]; ok {
			h.open = true
		}
		s.mu.Unlock()
	})
	dc.OnClose(func() {
		s.mu.Lock()
		if h, ok := s.channels[name]; ok {
			h.open = false
		}
		s.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.emit(Event{Kind: EventData, PeerID: peerID, Channel: name, Data: msg.Data})
	})
}

// Signal feeds a remote SDP or ICE candidate into the named peer's
// connection. An unknown peerId logs a warning and returns; failures inside
// the transport surface as an error event rather than an error return.
func (m *Manager) Signal(peerID string, signalData any) {
	m.mu.Lock()
	s, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		m.log.Warn("peer: signal for unknown peer", "peer", peerID)
		return
	}

	switch v := signalData.(type) {
	case webrtc.SessionDescription:
		if err := s.pc.SetRemoteDescription(v); err != nil {
			m.emit(Event{Kind: EventError, PeerID: peerID, Err: fmt.Errorf("peer: set remote description: %w", err)})
			return
		}
		if v.Type == webrtc.SDPTypeOffer {
			m.answer(s)
		}
	case webrtc.ICECandidateInit:
		if err := s.pc.AddICECandidate(v); err != nil {
			m.emit(Event{Kind: EventError, PeerID: peerID, Err: fmt.Errorf("peer: add ice candidate: %w", err)})
		}
	default:
		m.log.Warn("peer: signal with unrecognized payload type", "peer", peerID)
	}
}

func (m *Manager) answer(s *session) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		m.emit(Event{Kind: EventError, PeerID: s.peerID, Err: fmt.Errorf("peer: create answer: %w", err)})
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		m.emit(Event{Kind: EventError, PeerID: s.peerID, Err: fmt.Errorf("peer: set local description: %w", err)})
		return
	}
	m.emit(Event{Kind: EventSignal, PeerID: s.peerID, Data: *s.pc.LocalDescription()})
}

// Offer creates and sends an offer for an already-created initiator
// connection. Callers forward the returned signal event to the signaling
// client; there is no separate send path.
func (m *Manager) Offer(peerID string) error {
	m.mu.Lock()
	s, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownPeer, peerID)
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local description: %w", err)
	}
	m.emit(Event{Kind: EventSignal, PeerID: peerID, Data: *s.pc.LocalDescription()})
	return nil
}

// Send writes bytes on the named channel of peerID. It returns true iff the
// peer is connected AND the channel is open; it never blocks or buffers.
func (m *Manager) Send(peerID string, data []byte, channel ChannelName) bool {
	m.mu.Lock()
	s, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	connected := s.state == StateConnected
	h, hasChannel := s.channels[channel]
	s.mu.Unlock()

	if !connected || !hasChannel || !h.open {
		return false
	}
	if err := h.dc.Send(data); err != nil {
		m.emit(Event{Kind: EventError, PeerID: peerID, Err: fmt.Errorf("peer: send on %s: %w", channel, err)})
		return false
	}
	return true
}

// SetTrust records the outcome of the device-approval handshake for peerID.
func (m *Manager) SetTrust(peerID string, trust TrustState) {
	m.mu.Lock()
	s, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.trust = trust
	s.mu.Unlock()
}

// Trust returns the current device-trust state for peerID.
func (m *Manager) Trust(peerID string) (TrustState, bool) {
	m.mu.Lock()
	s, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trust, true
}

// History returns a snapshot of the connection history entries for peerID.
func (m *Manager) History(peerID string) ([]HistoryEntry, bool) {
	m.mu.Lock()
	s, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out, true
}

// Destroy tears down peerID's connection synchronously and emits a terminal
// close event. It is a no-op for an unknown peer.
func (m *Manager) Destroy(peerID string) {
	m.destroyLocked(peerID)
}

func (m *Manager) destroyLocked(peerID string) {
	m.mu.Lock()
	s, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	m.closeOpenHistoryEntry(s, "")
	for _, h := range s.channels {
		_ = h.dc.Close()
	}
	s.mu.Unlock()
	_ = s.pc.Close()

	m.emit(Event{Kind: EventClose, PeerID: peerID})
}

// DestroyAll tears down every peer connection.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.destroyLocked(id)
	}
}
