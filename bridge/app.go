// Package bridge wires the wire/pairing/signaling/peer/lifecycle/latency
// core into a thin Wails-bindable application shell, the way the teacher's
// client/app.go bridges its Transport to the Vue frontend. Keep this struct
// thin — delegate to the core packages.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/pion/webrtc/v4"
	wailsrt "github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/moukrea/remoshell-sub001/config"
	"github.com/moukrea/remoshell-sub001/latency"
	"github.com/moukrea/remoshell-sub001/lifecycle"
	"github.com/moukrea/remoshell-sub001/pairing"
	"github.com/moukrea/remoshell-sub001/peer"
	"github.com/moukrea/remoshell-sub001/signaling"
	"github.com/moukrea/remoshell-sub001/wire"
)

// App bridges the Go core to the embedded webview frontend. Wails-bound
// methods (Pair, JoinRoom, Send*) are callable from JS.
type App struct {
	ctx context.Context
	log *slog.Logger

	cfg config.Config

	signal    *signaling.Client
	peers     *peer.Manager
	lifecycle *lifecycle.Manager
	codec     *wire.Codec
	seq       *wire.Sequencer

	latencyMu sync.Mutex
	latencies map[string]*latency.Tracker

	startupDeviceID string // device_id extracted from a remoshell:// CLI argument, if any
}

// NewApp constructs an App wired to a freshly loaded Config.
func NewApp() *App {
	cfg := config.Load()
	return &App{
		log:       slog.Default(),
		cfg:       cfg,
		signal:    signaling.New(cfg.SignalingURL),
		peers:     peer.NewManager(peer.WithICEServers(cfg.WebRTCICEServers())),
		lifecycle: lifecycle.NewManager(),
		codec:     wire.NewCodec(),
		seq:       wire.NewSequencer(),
		latencies: make(map[string]*latency.Tracker),
	}
}

// SetStartupDeviceID records a device ID parsed from a remoshell:// launch
// argument, set before Startup runs. The frontend reads it back via
// StartupDeviceID to auto-fill a pairing flow.
func (a *App) SetStartupDeviceID(deviceID string) {
	a.startupDeviceID = deviceID
}

// StartupDeviceID returns the device ID captured by SetStartupDeviceID, or
// "" if the process was not launched with a remoshell:// argument.
func (a *App) StartupDeviceID() string {
	return a.startupDeviceID
}

// Startup is called when the Wails app starts.
func (a *App) Startup(ctx context.Context) {
	a.ctx = ctx
	a.lifecycle.Initialize()
	a.wireSignalToPeers()
	a.wirePeersToSignal()
	a.wireLifecycleEvents()
	a.wirePeerDataToLatency()

	// The frontend emits these from window-level focus/blur hooks when the
	// embedded webview host is the detected input source; see §4.5.
	wailsrt.EventsOn(ctx, "host:focus", func(_ ...interface{}) { a.lifecycle.OnHostFocus() })
	wailsrt.EventsOn(ctx, "host:blur", func(_ ...interface{}) { a.lifecycle.OnHostBlur() })
}

// Shutdown is called when the Wails app is closing.
func (a *App) Shutdown(_ context.Context) {
	a.peers.DestroyAll()
	a.signal.Destroy()
	a.lifecycle.Destroy()
}

func (a *App) wireSignalToPeers() {
	a.signal.Subscribe(func(ev signaling.Event) {
		switch ev.Kind {
		case signaling.EventOffer:
			a.peers.Signal(ev.PeerID, ev.Data)
		case signaling.EventAnswer:
			a.peers.Signal(ev.PeerID, ev.Data)
		case signaling.EventICE:
			a.peers.Signal(ev.PeerID, ev.Data)
		case signaling.EventPeerJoined:
			if err := a.peers.CreateConnection(ev.PeerID, true); err != nil {
				a.log.Warn("bridge: create connection failed", "peer", ev.PeerID, "error", err)
				return
			}
			if err := a.peers.Offer(ev.PeerID); err != nil {
				a.log.Warn("bridge: offer failed", "peer", ev.PeerID, "error", err)
			}
		case signaling.EventPeerLeft:
			a.peers.Destroy(ev.PeerID)
		}
		a.emit("signaling:event", ev)
	})
}

func (a *App) wirePeersToSignal() {
	a.peers.Subscribe(func(ev peer.Event) {
		switch ev.Kind {
		case peer.EventSignal:
			a.forwardPeerSignal(ev)
		case peer.EventConnect:
			a.latencyMu.Lock()
			a.latencies[ev.PeerID] = latency.NewTracker()
			a.latencyMu.Unlock()
		case peer.EventClose:
			a.latencyMu.Lock()
			delete(a.latencies, ev.PeerID)
			a.latencyMu.Unlock()
		}
		a.emit("peer:event", ev)
	})
}

// forwardPeerSignal relays a locally generated SDP/ICE signal to the
// rendezvous server, picking the wire message type from the concrete
// payload pion handed to the EventSignal callback.
func (a *App) forwardPeerSignal(ev peer.Event) {
	switch v := ev.Data.(type) {
	case webrtc.SessionDescription:
		if v.Type == webrtc.SDPTypeOffer {
			a.signal.SendOffer(ev.PeerID, v)
		} else {
			a.signal.SendAnswer(ev.PeerID, v)
		}
	default:
		a.signal.SendICE(ev.PeerID, ev.Data)
	}
}

func (a *App) wireLifecycleEvents() {
	a.lifecycle.Subscribe(func(ev lifecycle.Event) {
		a.emit("lifecycle:event", ev)
	})
}

// wirePeerDataToLatency decodes control-channel traffic, feeds Pong frames
// into each peer's Tracker and records DeviceApproved/DeviceRejected as the
// peer's trust state. Every control message other than Pong, and
// terminal/files data, is forwarded to the frontend for application-level
// handling, except terminal data that arrives while terminal flow is paused:
// that is queued on the lifecycle manager instead.
func (a *App) wirePeerDataToLatency() {
	a.peers.Subscribe(func(ev peer.Event) {
		if ev.Kind != peer.EventData {
			return
		}
		if ev.Channel == peer.ChannelTerminal && a.lifecycle.IsTerminalFlowPaused() {
			a.lifecycle.QueueTerminalData(ev.Data.([]byte))
			return
		}
		if ev.Channel != peer.ChannelControl {
			a.emit("peer:data", ev)
			return
		}

		data, ok := ev.Data.([]byte)
		if !ok {
			return
		}
		msg, err := a.codec.DecodeMessage(data)
		if err != nil {
			a.log.Warn("bridge: dropping malformed control frame", "peer", ev.PeerID, "error", err)
			return
		}
		switch m := msg.(type) {
		case *wire.Pong:
			a.completeLatency(ev.PeerID, m)
			return
		case *wire.DeviceApproved:
			a.peers.SetTrust(ev.PeerID, peer.TrustApproved)
		case *wire.DeviceRejected:
			a.peers.SetTrust(ev.PeerID, peer.TrustRejected)
		}
		a.emit("peer:control", map[string]any{"peer_id": ev.PeerID, "message": msg})
	})
}

func (a *App) completeLatency(peerID string, pong *wire.Pong) {
	pingID, _, ok := latency.DecodePing(pong.Payload)
	if !ok {
		return
	}
	a.latencyMu.Lock()
	tr, found := a.latencies[peerID]
	a.latencyMu.Unlock()
	if !found {
		return
	}
	if m, ok := tr.CompleteMeasurement(pingID); ok {
		a.emit("peer:latency", map[string]any{"peer_id": peerID, "rtt_ms": m.RTT.Milliseconds()})
	}
}

func (a *App) emit(event string, payload any) {
	if a.ctx == nil {
		return
	}
	wailsrt.EventsEmit(a.ctx, event, payload)
}

// --- Wails-bound methods ---

// Pair parses a scanned pairing payload and returns it to the frontend.
func (a *App) Pair(text string) (pairing.Payload, error) {
	p, err := pairing.Parse(text)
	if err != nil {
		return pairing.Payload{}, err
	}
	if pairing.IsExpired(p) {
		a.log.Warn("bridge: pairing payload expired", "device_id", p.DeviceID)
	}
	return p, nil
}

// JoinRoom joins the signaling room identified by roomID.
func (a *App) JoinRoom(roomID string) error {
	return a.signal.Join(roomID)
}

// LeaveRoom leaves the current signaling room.
func (a *App) LeaveRoom() {
	a.signal.Leave()
}

// SendSessionData encodes and sends terminal output to sessionID over
// peerID's control channel, assigning the next strictly increasing
// sequence number.
func (a *App) SendSessionData(peerID, sessionID string, stream wire.DataStream, data []byte) (bool, error) {
	msg := wire.SessionData{SessionID: sessionID, Stream: stream, Data: data}
	env := wire.Envelope{Version: wire.Version, Sequence: a.seq.Next(), Payload: msg}
	raw, err := a.codec.EncodeEnvelope(env)
	if err != nil {
		return false, fmt.Errorf("bridge: encode session data: %w", err)
	}
	return a.peers.Send(peerID, raw, peer.ChannelControl), nil
}

// SendTerminalBytes writes raw bytes on peerID's terminal channel, bypassing
// the envelope (the terminal channel is unreliable and latency-sensitive).
func (a *App) SendTerminalBytes(peerID string, data []byte) bool {
	return a.peers.Send(peerID, data, peer.ChannelTerminal)
}

// SendFileChunk writes raw bytes on peerID's files channel.
func (a *App) SendFileChunk(peerID string, data []byte) bool {
	return a.peers.Send(peerID, data, peer.ChannelFiles)
}

// Ping sends a latency probe on peerID's control channel.
func (a *App) Ping(peerID string) bool {
	a.latencyMu.Lock()
	tr, ok := a.latencies[peerID]
	a.latencyMu.Unlock()
	if !ok {
		return false
	}
	_, payload := tr.StartMeasurement()
	_, sentAtMs, _ := latency.DecodePing(payload)
	msg := wire.Ping{Timestamp: wire.Timestamp(sentAtMs), Payload: payload}
	raw, err := a.codec.EncodeMessage(msg)
	if err != nil {
		return false
	}
	return a.peers.Send(peerID, raw, peer.ChannelControl)
}

// QueueNotification appends a notification for deferred delivery while the
// app is backgrounded.
func (a *App) QueueNotification(title, body, icon string) string {
	return a.lifecycle.QueueNotification(title, body, icon)
}

// DrainNotifications returns and clears every queued notification.
func (a *App) DrainNotifications() []lifecycle.QueuedNotification {
	return a.lifecycle.DrainNotifications()
}

// BuildInfo reports local build/runtime details for a Settings/About panel.
type BuildInfo struct {
	GoVersion string `json:"go_version"`
	GOOS      string `json:"goos"`
	GOARCH    string `json:"goarch"`
}

// GetBuildInfo returns the running binary's Go build/runtime details.
func (a *App) GetBuildInfo() BuildInfo {
	return BuildInfo{
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
	}
}
