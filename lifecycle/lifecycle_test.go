package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(m *Manager) (*[]Event, func()) {
	var mu sync.Mutex
	events := make([]Event, 0)
	unsub := m.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return &events, unsub
}

// S5: dispatching visibilitychange(hidden) twice in succession emits exactly
// one lifecycle:background event.
func TestVisibilityChange_DuplicateSuppressed(t *testing.T) {
	m := NewManager(WithKeepAliveInterval(50 * time.Millisecond))
	events, _ := collectEvents(m)

	m.OnVisibilityChange(true)
	m.OnVisibilityChange(true)

	bgCount := 0
	for _, ev := range *events {
		if ev.Kind == EventBackground {
			bgCount++
		}
	}
	assert.Equal(t, 1, bgCount)
	assert.Equal(t, Background, m.State())
}

func TestKeepAlive_OnlyWhileBackground(t *testing.T) {
	m := NewManager(WithKeepAliveInterval(30 * time.Millisecond))
	var mu sync.Mutex
	var keepAlives int
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventKeepAlive {
			mu.Lock()
			keepAlives++
			mu.Unlock()
		}
	})

	m.OnVisibilityChange(true) // background: immediate keepalive fires
	time.Sleep(80 * time.Millisecond)
	m.OnVisibilityChange(false) // foreground: timer cancelled

	mu.Lock()
	n := keepAlives
	mu.Unlock()
	assert.GreaterOrEqual(t, n, 2)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	nAfter := keepAlives
	mu.Unlock()
	assert.Equal(t, n, nAfter, "keepalive must stop firing once foregrounded")
}

// Invariant 7: on backgrounding isTerminalFlowPaused becomes true; on
// foregrounding it becomes false and the queue is empty (no stale replay).
func TestTerminalFlow_PauseAndDiscardOnForeground(t *testing.T) {
	m := NewManager()
	assert.False(t, m.IsTerminalFlowPaused())

	m.OnVisibilityChange(true)
	assert.True(t, m.IsTerminalFlowPaused())

	m.QueueTerminalData([]byte("chunk-1"))
	m.QueueTerminalData([]byte("chunk-2"))
	assert.Equal(t, 2, m.TerminalQueueLen())

	m.OnVisibilityChange(false)
	assert.False(t, m.IsTerminalFlowPaused())
	assert.Equal(t, 0, m.TerminalQueueLen())
}

func TestTerminalQueue_FIFOEvictionAtCap(t *testing.T) {
	m := NewManager(WithTerminalQueueCap(3))
	for i := 0; i < 5; i++ {
		m.QueueTerminalData([]byte{byte(i)})
	}
	assert.Equal(t, 3, m.TerminalQueueLen())
}

// Invariant 8: notification queue length never exceeds its cap; eviction is
// FIFO.
func TestNotificationQueue_FIFOEvictionAtCap(t *testing.T) {
	m := NewManager(WithNotificationCap(2))
	id1 := m.QueueNotification("t1", "b1", "")
	_ = id1
	id2 := m.QueueNotification("t2", "b2", "")
	id3 := m.QueueNotification("t3", "b3", "")

	require.Equal(t, 2, m.NotificationQueueLen())
	drained := m.DrainNotifications()
	require.Len(t, drained, 2)
	assert.Equal(t, id2, drained[0].ID)
	assert.Equal(t, id3, drained[1].ID)
}

func TestNotificationQueue_DrainNotAutoClearedOnForeground(t *testing.T) {
	m := NewManager()
	m.QueueNotification("t1", "b1", "")
	m.OnVisibilityChange(true)
	m.OnVisibilityChange(false)
	assert.Equal(t, 1, m.NotificationQueueLen())
}

func TestBlur_OnlyCountsAsBackgroundWhenDocumentHidden(t *testing.T) {
	m := NewManager()

	m.OnBlur()
	assert.Equal(t, Foreground, m.State(), "blur while visible must not background")

	m.OnVisibilityChange(true)
	assert.Equal(t, Background, m.State())

	m.OnVisibilityChange(false)
	m.documentHidden = true // simulate a hidden tab that lost window focus
	m.OnBlur()
	assert.Equal(t, Background, m.State())
}

func TestHostFocusBlur_DriveStateDirectly(t *testing.T) {
	m := NewManager()
	m.OnHostBlur()
	assert.Equal(t, Background, m.State())
	m.OnHostFocus()
	assert.Equal(t, Foreground, m.State())
}

func TestSubscriberPanicIsolated(t *testing.T) {
	m := NewManager()
	var secondCalled bool
	m.Subscribe(func(Event) { panic("boom") })
	m.Subscribe(func(Event) { secondCalled = true })

	assert.NotPanics(t, func() { m.OnVisibilityChange(true) })
	assert.True(t, secondCalled)
}

func TestDestroy_ResetsStateAndClearsQueues(t *testing.T) {
	m := NewManager()
	m.Initialize()
	m.OnVisibilityChange(true)
	m.QueueNotification("t", "b", "")

	m.Destroy()
	assert.Equal(t, Foreground, m.State())
	assert.Equal(t, 0, m.NotificationQueueLen())
	assert.Equal(t, 0, m.TerminalQueueLen())

	var called bool
	m.Subscribe(func(Event) { called = true })
	m.OnVisibilityChange(true)
	assert.True(t, called, "subscribe after destroy must still work")
}

func TestInitialize_Idempotent(t *testing.T) {
	m := NewManager()
	m.Initialize()
	m.Initialize()
	assert.Equal(t, Foreground, m.State())
}
