// Package signaling implements a resilient WebSocket client for WebRTC
// offer/answer/ICE relay: exponential-backoff reconnect, connection
// timeouts, and intentional-close semantics. See §4.3 of the specification.
package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Defaults per §4.3/§5.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1000 * time.Millisecond
	DefaultReconnectMaxDelay    = 30000 * time.Millisecond
	DefaultConnectionTimeout    = 10000 * time.Millisecond
)

// wsFrame is the JSON text frame exchanged with the rendezvous server,
// per §6 Signaling wire protocol.
type wsFrame struct {
	Type   string          `json:"type"`
	PeerID string          `json:"peerId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type joinData struct {
	Peers []string `json:"peers"`
}

type errorData struct {
	Message string `json:"message"`
}

// Dialer abstracts websocket dialing so tests can substitute a fake
// transport. *websocket.Dialer does not satisfy it directly (its Dial also
// returns the HTTP response); gorillaDialer adapts it.
type Dialer interface {
	Dial(urlStr string, requestHeader map[string][]string) (*websocket.Conn, error)
}

type gorillaDialer struct{ d *websocket.Dialer }

func (g gorillaDialer) Dial(urlStr string, requestHeader map[string][]string) (*websocket.Conn, error) {
	conn, _, err := g.d.Dial(urlStr, requestHeader)
	return conn, err
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithMaxReconnectAttempts overrides DefaultMaxReconnectAttempts.
func WithMaxReconnectAttempts(n uint) Option {
	return func(c *Client) { c.maxReconnectAttempts = n }
}

// WithReconnectBaseDelay overrides DefaultReconnectBaseDelay.
func WithReconnectBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectBase = d }
}

// WithReconnectMaxDelay overrides DefaultReconnectMaxDelay.
func WithReconnectMaxDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectMaxDelay = d }
}

// WithConnectionTimeout overrides DefaultConnectionTimeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectionTimeout = d }
}

// WithDialer overrides the websocket dialer, primarily for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the structured logger used for protocol/transient errors.
// A nil logger (the default) falls back to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client maintains a single WebSocket to a rendezvous server and relays
// WebRTC signaling messages. It is safe for concurrent use.
type Client struct {
	mu sync.Mutex

	serverURL string
	roomID    string
	peerID    string
	state     State

	reconnectAttempts uint
	intentionalClose  bool

	conn   *websocket.Conn
	dialer Dialer
	log    *slog.Logger

	maxReconnectAttempts uint
	reconnectBase        time.Duration
	reconnectMaxDelay    time.Duration
	connectionTimeout    time.Duration

	reconnectTimer *time.Timer
	timeoutTimer   *time.Timer

	rng *rand.Rand

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	readDone chan struct{}
}

// New creates a Client bound to serverURL (an http(s) or ws(s) base URL for
// the rendezvous server). The client is idle until Join is called.
func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL:            serverURL,
		state:                StateDisconnected,
		dialer:               gorillaDialer{d: websocket.DefaultDialer},
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		reconnectBase:        DefaultReconnectBaseDelay,
		reconnectMaxDelay:    DefaultReconnectMaxDelay,
		connectionTimeout:    DefaultConnectionTimeout,
		rng:                  rand.New(rand.NewSource(time.Now().UnixNano())),
		subscribers:          make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Subscribe registers fn to receive every Event emitted by the client.
// Subscriber panics/errors are isolated: a recover in the dispatch loop
// ensures one bad subscriber cannot block delivery to the others. It
// returns an unsubscribe function.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *Client) emit(ev Event) {
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		c.dispatchSafely(fn, ev)
	}
}

func (c *Client) dispatchSafely(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("signaling: subscriber panicked", "recovered", r)
		}
	}()
	fn(ev)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.emit(Event{Kind: EventStateChange, State: s})
	}
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerID returns the server-assigned peer id, or "" before join completes.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Join connects to <serverUrl>/room/<roomId> and begins the signaling
// handshake. A second Join while already connected is rejected with a
// warning, per §5 Shared-resource policy.
func (c *Client) Join(roomID string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		c.log.Warn("signaling: join called while already connected or connecting", "room", roomID)
		return fmt.Errorf("signaling: already joined")
	}
	c.roomID = roomID
	c.intentionalClose = false
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.dial()
	return nil
}

func (c *Client) roomURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("signaling: invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("signaling: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/room/" + c.roomID
	return u.String(), nil
}

func (c *Client) dial() {
	urlStr, err := c.roomURL()
	if err != nil {
		c.emit(Event{Kind: EventError, Message: err.Error()})
		c.scheduleReconnect()
		return
	}

	conn, err := c.dialer.Dial(urlStr, nil)
	if err != nil {
		c.log.Warn("signaling: dial failed", "error", err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.conn = conn
	done := make(chan struct{})
	c.readDone = done
	c.mu.Unlock()

	c.armConnectionTimeout()
	go c.readLoop(conn, done)
}

// armConnectionTimeout bounds the time spent in StateConnecting; on expiry
// the socket is closed and a reconnect is scheduled.
func (c *Client) armConnectionTimeout() {
	c.mu.Lock()
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
	}
	timeout := c.connectionTimeout
	c.timeoutTimer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		stillConnecting := c.state == StateConnecting
		conn := c.conn
		c.mu.Unlock()
		if !stillConnecting {
			return
		}
		c.log.Warn("signaling: connection timeout")
		if conn != nil {
			_ = conn.Close()
		}
		c.scheduleReconnect()
	})
	c.mu.Unlock()
}

func (c *Client) disarmConnectionTimeout() {
	c.mu.Lock()
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onClose()
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warn("signaling: malformed frame, dropping", "error", err)
		return
	}

	switch frame.Type {
	case "join":
		var jd joinData
		if err := json.Unmarshal(frame.Data, &jd); err != nil {
			c.log.Warn("signaling: malformed join data, dropping", "error", err)
			return
		}
		c.disarmConnectionTimeout()
		c.mu.Lock()
		c.peerID = frame.PeerID
		c.reconnectAttempts = 0
		c.mu.Unlock()
		c.setState(StateConnected)
		c.emit(Event{Kind: EventConnected, PeerID: frame.PeerID, ExistingPeers: jd.Peers})
	case "peer-joined":
		c.emit(Event{Kind: EventPeerJoined, PeerID: frame.PeerID})
	case "peer-left":
		c.emit(Event{Kind: EventPeerLeft, PeerID: frame.PeerID})
	case "offer":
		c.emit(Event{Kind: EventOffer, PeerID: frame.PeerID, Data: frame.Data})
	case "answer":
		c.emit(Event{Kind: EventAnswer, PeerID: frame.PeerID, Data: frame.Data})
	case "ice":
		c.emit(Event{Kind: EventICE, PeerID: frame.PeerID, Data: frame.Data})
	case "error":
		var ed errorData
		_ = json.Unmarshal(frame.Data, &ed)
		c.emit(Event{Kind: EventError, Message: ed.Message})
	default:
		c.log.Warn("signaling: unknown message type, dropping", "type", frame.Type)
	}
}

func (c *Client) onClose() {
	c.mu.Lock()
	intentional := c.intentionalClose
	c.conn = nil
	c.mu.Unlock()

	c.disarmConnectionTimeout()

	if intentional {
		c.setState(StateDisconnected)
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect implements the backoff policy in §4.3: delay =
// min(reconnectMaxDelay, base*2^(attempt-1)*(1+rand[0,0.3))). When attempts
// reach the maximum, it emits disconnected + an error instead of retrying.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	max := c.maxReconnectAttempts
	c.mu.Unlock()

	if attempt > max {
		c.setState(StateDisconnected)
		c.emit(Event{Kind: EventDisconnected, Message: "Max reconnection attempts reached"})
		c.emit(Event{Kind: EventError, Message: "Max reconnection attempts reached"})
		return
	}

	c.setState(StateReconnecting)

	delay := c.backoffDelay(attempt)
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, c.dial)
	c.mu.Unlock()
}

func (c *Client) backoffDelay(attempt uint) time.Duration {
	c.mu.Lock()
	base := c.reconnectBase
	maxDelay := c.reconnectMaxDelay
	c.mu.Unlock()

	exp := float64(int64(1) << (attempt - 1))
	jitter := 1 + c.rng.Float64()*0.3
	d := time.Duration(float64(base) * exp * jitter)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Leave closes the connection intentionally: no reconnect is scheduled and
// the state goes directly to disconnected. The peer id and room id are
// cleared.
func (c *Client) Leave() {
	c.mu.Lock()
	c.intentionalClose = true
	c.peerID = ""
	c.roomID = ""
	conn := c.conn
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.mu.Unlock()
	c.disarmConnectionTimeout()
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

// Destroy is Leave plus clearing every subscriber; after it returns, no
// further events are emitted to any caller.
func (c *Client) Destroy() {
	c.Leave()
	c.subMu.Lock()
	c.subscribers = make(map[int]func(Event))
	c.subMu.Unlock()
}

// --- Send operations ---

func (c *Client) send(msgType, peerID string, data any) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !open {
		return false
	}

	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Warn("signaling: marshal payload failed", "error", err)
		return false
	}
	frame := wsFrame{Type: msgType, PeerID: peerID, Data: raw}
	if err := conn.WriteJSON(frame); err != nil {
		c.log.Warn("signaling: write failed", "error", err)
		return false
	}
	return true
}

// SendOffer relays an SDP offer to peerID. Returns false without buffering
// if the socket is not open.
func (c *Client) SendOffer(peerID string, sdp any) bool {
	return c.send("offer", peerID, sdp)
}

// SendAnswer relays an SDP answer to peerID.
func (c *Client) SendAnswer(peerID string, sdp any) bool {
	return c.send("answer", peerID, sdp)
}

// SendICE relays an ICE candidate to peerID.
func (c *Client) SendICE(peerID string, candidate any) bool {
	return c.send("ice", peerID, candidate)
}
