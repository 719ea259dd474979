// Package lifecycle detects application foreground/background transitions
// across an embedded-webview host and plain browser event sources, pausing
// downstream terminal-data consumption and queueing notifications while
// backgrounded. See §4.5 of the specification.
package lifecycle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the application's visibility state.
type State string

const (
	Foreground State = "foreground"
	Background State = "background"
)

// EventKind discriminates the Event union emitted by Manager.Subscribe.
type EventKind string

const (
	EventForeground EventKind = "lifecycle:foreground"
	EventBackground EventKind = "lifecycle:background"
	EventKeepAlive  EventKind = "lifecycle:keepalive"
)

// Event is a single item on the Manager's lifecycle stream.
type Event struct {
	Kind          EventKind
	Timestamp     time.Time
	PreviousState State // only for foreground/background events
}

// QueuedNotification is one entry on the bounded notification queue.
type QueuedNotification struct {
	ID       string
	Title    string
	Body     string
	Icon     string
	QueuedAt time.Time
}

const (
	defaultTerminalQueueCap  = 100
	defaultNotificationCap   = 50
	defaultKeepAliveInterval = 30 * time.Second
)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithKeepAliveInterval overrides the default 30s keep-alive period.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(m *Manager) { m.keepAliveInterval = d }
}

// WithKeepAliveEnabled controls whether background keep-alive ticks fire at
// all; enabled by default.
func WithKeepAliveEnabled(enabled bool) Option {
	return func(m *Manager) { m.keepAliveEnabled = enabled }
}

// WithTerminalQueueCap overrides the default 100-buffer terminal queue cap.
func WithTerminalQueueCap(n int) Option {
	return func(m *Manager) { m.terminalQueueCap = n }
}

// WithNotificationCap overrides the default 50-entry notification queue cap.
func WithNotificationCap(n int) Option {
	return func(m *Manager) { m.notificationCap = n }
}

// WithLogger sets the structured logger used for diagnostic messages.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager is a process-wide singleton tracking visibility state, one
// terminal-data queue, one notification queue, and the background
// keep-alive ticker. It is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	initialized bool
	state       State
	documentHidden bool // last known visibilitychange state, used by the focus/blur rule

	terminalQueueCap int
	terminalQueue    [][]byte
	paused           bool

	notificationCap int
	notifications   []QueuedNotification

	keepAliveInterval time.Duration
	keepAliveEnabled  bool
	keepAliveTimer    *time.Timer

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	log *slog.Logger
}

// NewManager constructs a Manager in its initial foreground state. Call
// Initialize before wiring event sources.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		state:             Foreground,
		terminalQueueCap:  defaultTerminalQueueCap,
		notificationCap:   defaultNotificationCap,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveEnabled:  true,
		subscribers:       make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Initialize is idempotent; it marks the manager ready to receive events.
// Installing the actual event-source listeners (host runtime hooks, DOM
// listeners) is the caller's responsibility — see the bridge package.
func (m *Manager) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
}

// Destroy removes every listener concern by clearing subscribers and queues
// and resetting state to foreground. Callers must separately uninstall any
// host/DOM listeners they registered.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.keepAliveTimer != nil {
		m.keepAliveTimer.Stop()
		m.keepAliveTimer = nil
	}
	m.state = Foreground
	m.paused = false
	m.terminalQueue = nil
	m.notifications = nil
	m.initialized = false
	m.mu.Unlock()

	m.subMu.Lock()
	m.subscribers = make(map[int]func(Event))
	m.subMu.Unlock()
}

// Subscribe registers fn to receive every Event. A panicking subscriber is
// recovered and logged; it never blocks delivery to the others. It returns
// an unsubscribe function.
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
			m.log.Error("lifecycle: subscriber panicked", "recovered", r)
		}
	}()
	fn(ev)
}

// State returns the current visibility state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsTerminalFlowPaused reports whether downstream terminal-data consumption
// is currently paused.
func (m *Manager) IsTerminalFlowPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// transition is the single place that changes m.state; it suppresses
// duplicate events for the same state, drives the queue/keep-alive side
// effects, and emits the transition event.
func (m *Manager) transition(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	previous := m.state
	m.state = next

	switch next {
	case Background:
		m.paused = true
	case Foreground:
		m.paused = false
		m.terminalQueue = nil
	}
	m.mu.Unlock()

	if next == Background {
		m.armKeepAlive()
	} else {
		m.disarmKeepAlive()
	}

	kind := EventForeground
	if next == Background {
		kind = EventBackground
	}
	m.emit(Event{Kind: kind, Timestamp: time.Now(), PreviousState: previous})
}

func (m *Manager) armKeepAlive() {
	m.mu.Lock()
	enabled := m.keepAliveEnabled
	interval := m.keepAliveInterval
	if m.keepAliveTimer != nil {
		m.keepAliveTimer.Stop()
		m.keepAliveTimer = nil
	}
	m.mu.Unlock()
	if !enabled {
		return
	}

	m.emit(Event{Kind: EventKeepAlive, Timestamp: time.Now()})

	var arm func()
	arm = func() {
		m.mu.Lock()
		if m.state != Background {
			m.mu.Unlock()
			return
		}
		m.keepAliveTimer = time.AfterFunc(interval, func() {
			m.emit(Event{Kind: EventKeepAlive, Timestamp: time.Now()})
			arm()
		})
		m.mu.Unlock()
	}
	arm()
}

func (m *Manager) disarmKeepAlive() {
	m.mu.Lock()
	if m.keepAliveTimer != nil {
		m.keepAliveTimer.Stop()
		m.keepAliveTimer = nil
	}
	m.mu.Unlock()
}

// --- Input sources ---
// Host-runtime focus/blur events (embedded webview), when such a runtime is
// detected, drive the state directly. Every source below calls the same
// transition; none of them takes priority over another.

// OnHostFocus reports a host-runtime focus event.
func (m *Manager) OnHostFocus() { m.transition(Foreground) }

// OnHostBlur reports a host-runtime blur event.
func (m *Manager) OnHostBlur() { m.transition(Background) }

// OnVisibilityChange reports a document visibilitychange event.
func (m *Manager) OnVisibilityChange(hidden bool) {
	m.mu.Lock()
	m.documentHidden = hidden
	m.mu.Unlock()
	if hidden {
		m.transition(Background)
	} else {
		m.transition(Foreground)
	}
}

// OnPageHide reports a window pagehide event.
func (m *Manager) OnPageHide() { m.transition(Background) }

// OnPageShow reports a window pageshow event.
func (m *Manager) OnPageShow() { m.transition(Foreground) }

// OnFocus reports a window focus event.
func (m *Manager) OnFocus() { m.transition(Foreground) }

// OnBlur reports a window blur event. Per §4.5, blur counts as background
// only when the document is also known to be hidden, preventing false
// backgrounding from tab switches that remain visible.
func (m *Manager) OnBlur() {
	m.mu.Lock()
	hidden := m.documentHidden
	m.mu.Unlock()
	if hidden {
		m.transition(Background)
	}
}

// --- Terminal flow control ---

// QueueTerminalData stores bytes up to the configured cap, evicting the
// oldest entry (FIFO) once full. Intended for use only while backgrounded;
// callers should check IsTerminalFlowPaused first.
func (m *Manager) QueueTerminalData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.terminalQueue) >= m.terminalQueueCap {
		m.terminalQueue = m.terminalQueue[1:]
	}
	m.terminalQueue = append(m.terminalQueue, data)
}

// TerminalQueueLen returns the current number of queued terminal buffers.
func (m *Manager) TerminalQueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terminalQueue)
}

// --- Notification queue ---

// QueueNotification appends a notification, evicting the oldest (FIFO) once
// the cap is exceeded, and returns a stable id for the queued entry.
func (m *Manager) QueueNotification(title, body, icon string) string {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.notifications) >= m.notificationCap {
		m.notifications = m.notifications[1:]
	}
	m.notifications = append(m.notifications, QueuedNotification{
		ID:       id,
		Title:    title,
		Body:     body,
		Icon:     icon,
		QueuedAt: time.Now(),
	})
	return id
}

// DrainNotifications removes and returns every queued notification.
// Foreground transitions do NOT automatically drain the queue; consumers
// must call this explicitly.
func (m *Manager) DrainNotifications() []QueuedNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.notifications
	m.notifications = nil
	return out
}

// ClearNotifications discards every queued notification without returning
// them.
func (m *Manager) ClearNotifications() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = nil
}

// NotificationQueueLen returns the current number of queued notifications.
func (m *Manager) NotificationQueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}
