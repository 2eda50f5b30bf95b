package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport lets tests drive status and message events by hand.
type fakeTransport struct {
	mu              sync.Mutex
	onMessage       MessageHandler
	onStatus        StatusHandler
	status          Status
	connectCalls    atomic.Int32
	disconnectCalls atomic.Int32
	connectStatus   Status // status emitted synchronously from Connect, if set
}

func (f *fakeTransport) Connect(ctx context.Context, identity string) error {
	f.connectCalls.Add(1)
	f.mu.Lock()
	emit := f.connectStatus
	f.mu.Unlock()
	if emit != StatusDisconnected {
		f.emitStatus(emit)
	}
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.disconnectCalls.Add(1)
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.Status() == StatusConnected }

func (f *fakeTransport) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) OnMessage(handler MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = handler
}

func (f *fakeTransport) OnStatusChange(handler StatusHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = handler
}

func (f *fakeTransport) emitStatus(status Status) {
	f.mu.Lock()
	f.status = status
	handler := f.onStatus
	f.mu.Unlock()
	if handler != nil {
		handler(status)
	}
}

// emitMessage reports whether the handler accepted the frame, which
// is what decides whether a real leg would acknowledge it.
func (f *fakeTransport) emitMessage(msg *Message) bool {
	f.mu.Lock()
	handler := f.onMessage
	f.mu.Unlock()
	if handler == nil {
		return false
	}
	return handler(msg)
}

func testFrame(id string) *Message {
	return &Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "alice",
		Timestamp:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
}

func newTestComposite(t *testing.T, fallback time.Duration) (*Composite, *fakeTransport, *fakeTransport, *messageRecorder) {
	t.Helper()
	push := &fakeTransport{}
	pull := &fakeTransport{connectStatus: StatusConnected}
	c := NewComposite(push, pull)
	c.SetFallbackDelay(fallback)

	rec := &messageRecorder{}
	c.OnMessage(rec.record)

	require.NoError(t, c.Connect(context.Background(), "alice"))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, push, pull, rec
}

type messageRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *messageRecorder) record(msg *Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, msg.ID)
	return true
}

func (r *messageRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestFallbackTiming(t *testing.T) {
	t.Run("pull activates only after the fallback delay", func(t *testing.T) {
		_, push, pull, _ := newTestComposite(t, 100*time.Millisecond)

		push.emitStatus(StatusReconnecting)

		time.Sleep(40 * time.Millisecond)
		assert.Zero(t, pull.connectCalls.Load(), "pull must not activate before the delay")

		time.Sleep(120 * time.Millisecond)
		assert.Equal(t, int32(1), pull.connectCalls.Load(), "pull must activate after the delay")
	})

	t.Run("timer is not re-armed by later reconnect attempts", func(t *testing.T) {
		_, push, pull, _ := newTestComposite(t, 100*time.Millisecond)

		push.emitStatus(StatusReconnecting)
		// Unsuccessful retries keep reporting reconnecting; the 100ms is
		// measured from the first event, so these must not extend it.
		time.Sleep(40 * time.Millisecond)
		push.emitStatus(StatusReconnecting)
		time.Sleep(40 * time.Millisecond)
		push.emitStatus(StatusReconnecting)

		time.Sleep(60 * time.Millisecond) // 140ms after the first disconnect
		assert.Equal(t, int32(1), pull.connectCalls.Load())
	})

	t.Run("immediate connect schedules no timer", func(t *testing.T) {
		_, push, pull, _ := newTestComposite(t, 50*time.Millisecond)

		push.emitStatus(StatusConnected)
		time.Sleep(120 * time.Millisecond)
		assert.Zero(t, pull.connectCalls.Load())
	})

	t.Run("reconnect before the timer fires cancels fallback", func(t *testing.T) {
		_, push, pull, _ := newTestComposite(t, 80*time.Millisecond)

		push.emitStatus(StatusReconnecting)
		time.Sleep(20 * time.Millisecond)
		push.emitStatus(StatusConnected)

		time.Sleep(150 * time.Millisecond)
		assert.Zero(t, pull.connectCalls.Load())
	})

	t.Run("push recovery racing the timer fire keeps push active", func(t *testing.T) {
		c, push, pull, rec := newTestComposite(t, 10*time.Millisecond)

		push.emitStatus(StatusReconnecting)

		// Hold the forwarding lock so the fired timer blocks right
		// before the active-leg flip, then let push recover in that
		// window.
		c.fwdMu.Lock()
		time.Sleep(50 * time.Millisecond)
		push.emitStatus(StatusConnected)
		c.fwdMu.Unlock()

		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, pull.connectCalls.Load(), "pull must not activate once push has recovered")
		assert.Equal(t, StatusConnected, c.Status())

		push.emitMessage(testFrame("after-recovery"))
		assert.Equal(t, []string{"after-recovery"}, rec.snapshot())
	})

	t.Run("a later outage arms a fresh timer", func(t *testing.T) {
		_, push, pull, _ := newTestComposite(t, 50*time.Millisecond)

		push.emitStatus(StatusReconnecting)
		time.Sleep(20 * time.Millisecond)
		push.emitStatus(StatusConnected)
		time.Sleep(20 * time.Millisecond)

		push.emitStatus(StatusReconnecting)
		time.Sleep(120 * time.Millisecond)
		assert.Equal(t, int32(1), pull.connectCalls.Load())
	})
}

func TestFailback(t *testing.T) {
	activatePull := func(t *testing.T, push, pull *fakeTransport) {
		t.Helper()
		push.emitStatus(StatusReconnecting)
		require.Eventually(t, func() bool { return pull.connectCalls.Load() == 1 },
			time.Second, 5*time.Millisecond)
	}

	t.Run("push recovery stops pull", func(t *testing.T) {
		_, push, pull, _ := newTestComposite(t, 20*time.Millisecond)
		activatePull(t, push, pull)

		push.emitStatus(StatusConnected)
		assert.GreaterOrEqual(t, pull.disconnectCalls.Load(), int32(1))
	})

	t.Run("pull frames are refused after failback", func(t *testing.T) {
		_, push, pull, rec := newTestComposite(t, 20*time.Millisecond)
		activatePull(t, push, pull)

		assert.True(t, pull.emitMessage(testFrame("from-pull")))
		push.emitStatus(StatusConnected)
		// A stale frame from a poll still in flight must not reach the
		// handler once push is active again, and must not be accepted
		// for acknowledgment either.
		assert.False(t, pull.emitMessage(testFrame("stale")))
		assert.True(t, push.emitMessage(testFrame("from-push")))

		assert.Equal(t, []string{"from-pull", "from-push"}, rec.snapshot())
	})

	t.Run("pull frames are refused while push is active", func(t *testing.T) {
		_, push, pull, rec := newTestComposite(t, time.Minute)
		push.emitStatus(StatusConnected)

		assert.False(t, pull.emitMessage(testFrame("rogue")))
		assert.True(t, push.emitMessage(testFrame("legit")))

		assert.Equal(t, []string{"legit"}, rec.snapshot())
	})

	t.Run("push frames are refused while pull is active", func(t *testing.T) {
		_, push, pull, rec := newTestComposite(t, 20*time.Millisecond)
		activatePull(t, push, pull)

		assert.False(t, push.emitMessage(testFrame("ghost")))
		assert.True(t, pull.emitMessage(testFrame("pulled")))

		assert.Equal(t, []string{"pulled"}, rec.snapshot())
	})
}

func TestCompositeStatus(t *testing.T) {
	t.Run("reports connected while pull is active", func(t *testing.T) {
		c, push, pull, _ := newTestComposite(t, 20*time.Millisecond)
		push.emitStatus(StatusReconnecting)
		require.Eventually(t, func() bool { return pull.connectCalls.Load() == 1 },
			time.Second, 5*time.Millisecond)
		assert.Equal(t, StatusConnected, c.Status())
	})

	t.Run("disconnect stops both transports and the timer", func(t *testing.T) {
		push := &fakeTransport{}
		pull := &fakeTransport{connectStatus: StatusConnected}
		c := NewComposite(push, pull)
		c.SetFallbackDelay(30 * time.Millisecond)
		require.NoError(t, c.Connect(context.Background(), "alice"))

		push.emitStatus(StatusReconnecting)
		require.NoError(t, c.Disconnect())

		time.Sleep(80 * time.Millisecond)
		assert.Zero(t, pull.connectCalls.Load(), "cancelled timer must not activate pull")
		assert.Equal(t, StatusDisconnected, c.Status())
	})

	t.Run("no messages are forwarded after disconnect", func(t *testing.T) {
		c, push, _, rec := newTestComposite(t, time.Minute)
		push.emitStatus(StatusConnected)
		require.NoError(t, c.Disconnect())

		push.emitMessage(testFrame("late"))
		assert.Empty(t, rec.snapshot())
	})
}
