package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is the fixed pull polling interval.
const DefaultPollInterval = 30 * time.Second

// PullTransport polls the relay's pull endpoint on a fixed interval,
// requesting messages newer than the last-received cursor. A
// successful response means connected; a failed poll is silently
// retried on the next tick without touching the status, so one lost
// request does not flap connectivity. Each forwarded message is
// acknowledged with a POST to the relay's ack endpoint.
type PullTransport struct {
	baseURL  string
	client   *http.Client
	interval time.Duration

	mu        sync.Mutex
	status    Status
	cursor    string
	identity  string
	onMessage MessageHandler
	onStatus  StatusHandler
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
}

// NewPullTransport creates a pull transport against the relay base
// URL (for example "https://relay.example.com").
func NewPullTransport(baseURL string) *PullTransport {
	return &PullTransport{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 15 * time.Second},
		interval: DefaultPollInterval,
		status:   StatusDisconnected,
	}
}

// SetInterval overrides the polling interval. Must be called before
// Connect.
func (t *PullTransport) SetInterval(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
}

// SetHTTPClient overrides the HTTP client. Must be called before
// Connect.
func (t *PullTransport) SetHTTPClient(client *http.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client = client
}

// OnMessage registers the inbound message handler.
func (t *PullTransport) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = handler
}

// OnStatusChange registers the connectivity status handler.
func (t *PullTransport) OnStatusChange(handler StatusHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatus = handler
}

// Connect starts the polling loop and returns immediately. The first
// poll happens right away; subsequent polls follow the fixed interval.
func (t *PullTransport) Connect(ctx context.Context, identity string) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	t.identity = identity
	interval := t.interval
	t.mu.Unlock()

	t.setStatus(StatusConnecting)
	go t.pollLoop(runCtx, interval)
	return nil
}

// Disconnect stops polling. It returns only after the poll loop has
// exited.
func (t *PullTransport) Disconnect() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()
	<-done
	t.setStatus(StatusDisconnected)
	return nil
}

// IsConnected reports whether the last poll succeeded.
func (t *PullTransport) IsConnected() bool {
	return t.Status() == StatusConnected
}

// Status returns the current connectivity status.
func (t *PullTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *PullTransport) pollLoop(ctx context.Context, interval time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

// pullResponse is the pull endpoint's body: an ordered list of raw
// frames newer than the cursor.
type pullResponse struct {
	Messages []json.RawMessage `json:"messages"`
}

// poll issues one pull request. Network failures and bad responses are
// logged at debug and otherwise ignored.
func (t *PullTransport) poll(ctx context.Context) {
	t.mu.Lock()
	cursor := t.cursor
	identity := t.identity
	client := t.client
	t.mu.Unlock()

	endpoint := t.baseURL + "/v1/messages"
	if cursor != "" {
		endpoint += "?after=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set(IdentityHeader, identity)

	resp, err := client.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "poll",
			"error":    err.Error(),
		}).Debug("Poll request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logrus.WithFields(logrus.Fields{
			"function": "poll",
			"status":   resp.StatusCode,
		}).Debug("Poll request rejected")
		return
	}

	var body pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		logrus.WithField("function", "poll").Debug("Poll response malformed")
		return
	}

	t.setStatus(StatusConnected)

	for _, raw := range body.Messages {
		msg, err := ParseFrame(raw)
		if err != nil {
			logrus.WithField("function", "poll").Debug("Dropping malformed pulled frame")
			continue
		}

		t.mu.Lock()
		handler := t.onMessage
		t.mu.Unlock()

		// Cursor and ack only move for frames the handler accepted;
		// a refused frame stays queued on the relay for a later poll.
		if handler == nil || !handler(msg) {
			continue
		}
		t.mu.Lock()
		t.cursor = msg.ID
		t.mu.Unlock()
		t.postAck(ctx, msg)
	}
}

// postAck acknowledges a pulled message via the relay's ack endpoint.
func (t *PullTransport) postAck(ctx context.Context, msg *Message) {
	data, err := EncodeAck(NewAck(msg.ID, msg.ConversationID, AckStatusDelivered))
	if err != nil {
		return
	}

	t.mu.Lock()
	identity := t.identity
	client := t.client
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/acks", bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdentityHeader, identity)

	resp, err := client.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "postAck",
			"error":    err.Error(),
		}).Debug("Ack post failed")
		return
	}
	resp.Body.Close()
}

func (t *PullTransport) setStatus(status Status) {
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
