package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// IdentityHeader carries the client identity on websocket dials and
	// relay HTTP requests.
	IdentityHeader = "X-Courier-Identity"

	reconnectBase = 1 * time.Second
	reconnectCap  = 60 * time.Second
)

// ErrAlreadyConnected is returned by Connect on a transport that is
// already running.
var ErrAlreadyConnected = errors.New("transport already connected")

// DialFunc opens a websocket connection to the relay. It exists so
// tests can intercept dialing.
type DialFunc func(ctx context.Context, url, identity string) (*websocket.Conn, error)

// PushTransport maintains a persistent websocket connection to the
// relay. It reconnects with exponential backoff (1s doubling to a 60s
// cap, attempt counter reset only by a successful reconnect), forwards
// every valid inbound message frame, and acknowledges each forwarded
// frame on the same connection. Acknowledgment frames addressed to
// this side's own sent messages are surfaced through OnAck.
type PushTransport struct {
	url  string
	dial DialFunc

	mu        sync.Mutex
	status    Status
	conn      *websocket.Conn
	onMessage MessageHandler
	onStatus  StatusHandler
	onAck     AckHandler
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
}

// NewPushTransport creates a push transport for the given websocket
// URL.
func NewPushTransport(url string) *PushTransport {
	return &PushTransport{
		url:    url,
		status: StatusDisconnected,
		dial:   defaultDial,
	}
}

func defaultDial(ctx context.Context, url, identity string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{IdentityHeader: []string{identity}},
	})
	return conn, err
}

// OnMessage registers the inbound message handler. Must be called
// before Connect.
func (t *PushTransport) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = handler
}

// OnStatusChange registers the connectivity status handler.
func (t *PushTransport) OnStatusChange(handler StatusHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatus = handler
}

// OnAck registers the handler for inbound acknowledgment frames.
func (t *PushTransport) OnAck(handler AckHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAck = handler
}

// Connect starts the connection loop and returns immediately.
func (t *PushTransport) Connect(ctx context.Context, identity string) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	t.mu.Unlock()

	go t.run(runCtx, identity)
	return nil
}

// Disconnect stops the transport. It returns only after the connection
// loop has exited, so no handler fires afterwards.
func (t *PushTransport) Disconnect() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cancel := t.cancel
	conn := t.conn
	done := t.done
	t.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	<-done
	return nil
}

// IsConnected reports whether the websocket is live.
func (t *PushTransport) IsConnected() bool {
	return t.Status() == StatusConnected
}

// Status returns the current connectivity status.
func (t *PushTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// run is the connect/read/reconnect loop. The backoff counter resets
// only after a successful dial.
func (t *PushTransport) run(ctx context.Context, identity string) {
	defer close(t.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = reconnectCap
	bo.MaxElapsedTime = 0

	t.setStatus(StatusConnecting)
	for {
		conn, err := t.dial(ctx, t.url, identity)
		if err != nil {
			if ctx.Err() != nil {
				t.setStatus(StatusDisconnected)
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err.Error(),
			}).Debug("Push dial failed")
			if !t.waitReconnect(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.setStatus(StatusConnected)

		t.readLoop(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()

		if ctx.Err() != nil {
			t.setStatus(StatusDisconnected)
			return
		}
		if !t.waitReconnect(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// waitReconnect sleeps the backoff delay in the reconnecting state.
// Returns false when the transport was cancelled during the wait.
func (t *PushTransport) waitReconnect(ctx context.Context, delay time.Duration) bool {
	t.setStatus(StatusReconnecting)
	select {
	case <-ctx.Done():
		t.setStatus(StatusDisconnected)
		return false
	case <-time.After(delay):
		return true
	}
}

// readLoop reads frames until the connection fails.
func (t *PushTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusGoingAway, "read failed")
			return
		}
		t.handleFrame(ctx, conn, data)
	}
}

// handleFrame routes one inbound frame: acks to the ack handler,
// message frames to the message handler followed by an acknowledgment
// write. Structurally invalid frames are dropped, and a frame the
// handler refuses is not acknowledged, so the relay keeps it pending.
func (t *PushTransport) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	if IsAckFrame(data) {
		ack, err := ParseAck(data)
		if err != nil {
			logrus.WithField("function", "handleFrame").Debug("Dropping malformed ack frame")
			return
		}
		t.mu.Lock()
		handler := t.onAck
		t.mu.Unlock()
		if handler != nil {
			handler(ack)
		}
		return
	}

	msg, err := ParseFrame(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"bytes":    len(data),
		}).Debug("Dropping malformed message frame")
		return
	}

	t.mu.Lock()
	handler := t.onMessage
	t.mu.Unlock()
	if handler == nil || !handler(msg) {
		return
	}

	ackData, err := EncodeAck(NewAck(msg.ID, msg.ConversationID, AckStatusDelivered))
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, ackData); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"error":    err.Error(),
		}).Debug("Ack write failed")
	}
}

// setStatus updates the status and notifies the handler outside the
// lock. No-op when unchanged.
func (t *PushTransport) setStatus(status Status) {
	t.mu.Lock()
	if t.status == status {
		t.mu.Unlock()
		return
	}
	t.status = status
	handler := t.onStatus
	t.mu.Unlock()
	if handler != nil {
		handler(status)
	}
}
