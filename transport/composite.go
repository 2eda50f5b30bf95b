package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultFallbackDelay is how long push must stay down before pull is
// activated, measured from the first disconnect.
const DefaultFallbackDelay = 15 * time.Second

// Composite owns one push and one pull transport and arbitrates
// between them, presenting the pair as a single Transport.
//
// Push is authoritative. When push reports a disconnect, a one-shot
// fallback timer starts; it is never re-armed by later unsuccessful
// reconnect attempts, so the delay is measured from the first
// disconnect. If the timer fires while push is still down, pull
// becomes the active transport. The instant push reports connected
// again, the timer is cancelled, pull is stopped and push becomes
// active before any further message is forwarded. Frames from the
// non-active transport are refused, which also keeps the leg from
// acknowledging them; store deduplication remains the second line of
// defense, not a substitute for this control.
type Composite struct {
	push Transport
	pull Transport

	fallbackDelay time.Duration

	// fwdMu serializes message forwarding with active-leg switches so
	// a switch completes before any further message is emitted. Lock
	// order is always fwdMu before mu.
	fwdMu sync.Mutex

	mu         sync.Mutex
	activePull bool
	timer      *time.Timer
	timerArmed bool
	status     Status
	onMessage  MessageHandler
	onStatus   StatusHandler
	ctx        context.Context
	identity   string
	running    bool
}

// NewComposite wires a composite coordinator around the given push and
// pull transports.
func NewComposite(push, pull Transport) *Composite {
	c := &Composite{
		push:          push,
		pull:          pull,
		fallbackDelay: DefaultFallbackDelay,
		status:        StatusDisconnected,
	}
	push.OnMessage(func(msg *Message) bool { return c.forward(false, msg) })
	pull.OnMessage(func(msg *Message) bool { return c.forward(true, msg) })
	push.OnStatusChange(c.handlePushStatus)
	pull.OnStatusChange(c.handlePullStatus)
	return c
}

// SetFallbackDelay overrides the fallback delay. Must be called before
// Connect.
func (c *Composite) SetFallbackDelay(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbackDelay = delay
}

// OnMessage registers the handler receiving messages from whichever
// transport is active.
func (c *Composite) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnStatusChange registers the composed connectivity status handler.
func (c *Composite) OnStatusChange(handler StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = handler
}

// OnAck registers the acknowledgment handler on the push leg, which is
// the only wire that carries ack frames back to this side.
func (c *Composite) OnAck(handler AckHandler) {
	if source, ok := c.push.(AckSource); ok {
		source.OnAck(handler)
	}
}

// Connect starts the push transport. Pull stays idle until the
// fallback policy activates it. If push connects immediately, no
// fallback timer is ever scheduled.
func (c *Composite) Connect(ctx context.Context, identity string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.running = true
	c.ctx = ctx
	c.identity = identity
	c.activePull = false
	c.mu.Unlock()

	c.setStatus(StatusConnecting)
	return c.push.Connect(ctx, identity)
}

// Disconnect stops the fallback timer and both transports. No handler
// fires after it returns.
func (c *Composite) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.stopTimerLocked()
	c.mu.Unlock()

	err := c.push.Disconnect()
	if pullErr := c.pull.Disconnect(); err == nil {
		err = pullErr
	}
	c.setStatus(StatusDisconnected)
	return err
}

// IsConnected reports whether the active transport is live.
func (c *Composite) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Status returns the composed connectivity status.
func (c *Composite) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// forward emits a message to the registered handler if it arrived on
// the active leg, reporting whether it was delivered. fwdMu is held
// across the handler call so an active-leg switch strictly orders
// with message emission. A refused frame is never acknowledged by the
// leg that carried it.
func (c *Composite) forward(fromPull bool, msg *Message) bool {
	c.fwdMu.Lock()
	defer c.fwdMu.Unlock()

	c.mu.Lock()
	active := c.activePull == fromPull && c.running
	handler := c.onMessage
	c.mu.Unlock()

	if !active || handler == nil {
		return false
	}
	return handler(msg)
}

func (c *Composite) handlePushStatus(status Status) {
	switch status {
	case StatusConnected:
		c.failback()
	case StatusDisconnected, StatusReconnecting:
		c.armFallback()
	case StatusConnecting:
		// Initial attempt in flight; nothing to arbitrate yet.
	}
}

func (c *Composite) handlePullStatus(status Status) {
	c.mu.Lock()
	active := c.activePull && c.running
	c.mu.Unlock()
	if active && status == StatusConnected {
		c.setStatus(StatusConnected)
	}
}

// armFallback starts the one-shot fallback timer on the first push
// disconnect. Later reconnecting events while the timer is armed, or
// while pull is already active, do not re-arm it.
func (c *Composite) armFallback() {
	c.mu.Lock()
	if !c.running || c.timerArmed || c.activePull {
		c.mu.Unlock()
		return
	}
	c.timerArmed = true
	c.timer = time.AfterFunc(c.fallbackDelay, c.fallbackFire)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "armFallback",
		"delay":    c.fallbackDelay.String(),
	}).Debug("Push transport down, fallback timer started")
	c.setStatus(StatusReconnecting)
}

// fallbackFire activates pull if push is still down when the timer
// fires. Cancellation is checked under the same lock that armed the
// timer, so a fire racing a cancel is a no-op. The push-still-down
// check and the active-leg flip happen in one critical section under
// fwdMu and mu: a push recovery landing between them would otherwise
// run failback with activePull still false and leave both a connected
// push and an active pull behind.
func (c *Composite) fallbackFire() {
	c.mu.Lock()
	if !c.timerArmed || !c.running {
		c.mu.Unlock()
		return
	}
	c.timerArmed = false
	ctx := c.ctx
	identity := c.identity
	c.mu.Unlock()

	c.fwdMu.Lock()
	c.mu.Lock()
	if !c.running || c.push.IsConnected() {
		c.mu.Unlock()
		c.fwdMu.Unlock()
		return
	}
	c.activePull = true
	c.mu.Unlock()
	c.fwdMu.Unlock()

	logrus.WithField("function", "fallbackFire").Info("Activating pull transport")
	if err := c.pull.Connect(ctx, identity); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fallbackFire",
			"error":    err.Error(),
		}).Warn("Pull transport failed to start")
	}
}

// failback reacts to push reporting connected: cancel any armed
// fallback timer, flip the active leg back to push before any further
// message can be forwarded, then stop pull.
func (c *Composite) failback() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	wasPull := c.activePull
	c.mu.Unlock()

	if wasPull {
		c.fwdMu.Lock()
		c.mu.Lock()
		c.activePull = false
		c.mu.Unlock()
		c.fwdMu.Unlock()

		logrus.WithField("function", "failback").Info("Push transport recovered, stopping pull")
		if err := c.pull.Disconnect(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "failback",
				"error":    err.Error(),
			}).Warn("Pull transport failed to stop")
		}
	}
	c.setStatus(StatusConnected)
}

// stopTimerLocked cancels a pending fallback timer. Callers hold mu.
func (c *Composite) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerArmed = false
}

func (c *Composite) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	handler := c.onStatus
	c.mu.Unlock()
	if handler != nil {
		handler(status)
	}
}
