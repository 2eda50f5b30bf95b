// Package courier is a message delivery reliability engine: a
// deduplicating, ordering message store fed by a push transport with
// automatic pull fallback, with delivery acknowledgments tracked end
// to end. Payloads are opaque encrypted bytes throughout.
//
// A [Session] owns one identity's client-side machinery: the store,
// both transports, the composite coordinator and the delivery
// handler. Sessions are independent; there is no shared global state.
package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/delivery"
	"github.com/opd-ai/courier/store"
	"github.com/opd-ai/courier/transport"
)

// Config holds the settings for one client session.
type Config struct {
	// RelayURL is the relay's HTTP base URL, e.g. "https://relay.example.com".
	RelayURL string
	// Identity is this client's sender identity.
	Identity string
	// HTTPClient is used for sends and pull polling. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// FallbackDelay overrides how long push must be down before pull
	// takes over. Zero keeps the default.
	FallbackDelay time.Duration
	// PollInterval overrides the pull polling cadence. Zero keeps the
	// default.
	PollInterval time.Duration
}

// Session is a live client connection to the relay for one identity.
type Session struct {
	cfg        Config
	httpClient *http.Client
	store      *store.Store
	composite  *transport.Composite
	handler    *delivery.Handler
}

// New assembles a session: store, push transport, pull transport,
// composite coordinator and delivery handler. The session does not
// touch the network until Start.
func New(cfg Config) (*Session, error) {
	if cfg.RelayURL == "" {
		return nil, errors.New("relay URL required")
	}
	if cfg.Identity == "" {
		return nil, errors.New("identity required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	push := transport.NewPushTransport(websocketURL(cfg.RelayURL))
	pull := transport.NewPullTransport(cfg.RelayURL)
	pull.SetHTTPClient(httpClient)
	if cfg.PollInterval > 0 {
		pull.SetInterval(cfg.PollInterval)
	}

	composite := transport.NewComposite(push, pull)
	if cfg.FallbackDelay > 0 {
		composite.SetFallbackDelay(cfg.FallbackDelay)
	}

	st := store.New()
	return &Session{
		cfg:        cfg,
		httpClient: httpClient,
		store:      st,
		composite:  composite,
		handler:    delivery.NewHandler(composite, st),
	}, nil
}

// Start connects the session to the relay.
func (s *Session) Start(ctx context.Context) error {
	return s.handler.Start(ctx, s.cfg.Identity)
}

// Stop disconnects from the relay. The local store survives; a
// stopped session can be started again.
func (s *Session) Stop() error {
	return s.handler.Stop()
}

// Send submits a payload to a conversation. The relay assigns the
// message id; on acceptance the message is recorded locally in
// pending_delivery and the id returned. The later acknowledgment
// moves it to delivered or failed.
func (s *Session) Send(ctx context.Context, conversationID string, payload []byte) (string, error) {
	body, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"payload":         payload,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.RelayURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(transport.IdentityHeader, s.cfg.Identity)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", decodeSendError(resp)
	}
	var accepted struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil || accepted.MessageID == "" {
		return "", errors.New("relay response missing message id")
	}

	s.handler.AddMessage(store.Message{
		ID:             accepted.MessageID,
		ConversationID: conversationID,
		SenderID:       s.cfg.Identity,
		Payload:        payload,
	})
	logrus.WithFields(logrus.Fields{
		"function":     "Send",
		"conversation": conversationID,
	}).Debug("Message accepted by relay")
	return accepted.MessageID, nil
}

// Messages returns the conversation's messages, newest first.
func (s *Session) Messages(conversationID string) []store.Message {
	return s.handler.Messages(conversationID)
}

// OnConversationUpdate registers the observer called with a
// conversation's full ordered list after every change.
func (s *Session) OnConversationUpdate(observer delivery.Observer) {
	s.handler.OnConversationUpdate(observer)
}

// ConnectionStatus reports the composite transport's status.
func (s *Session) ConnectionStatus() transport.Status {
	return s.composite.Status()
}

// websocketURL derives the push endpoint from the HTTP base URL.
func websocketURL(relayURL string) string {
	ws := relayURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/v1/ws"
}

// decodeSendError turns a relay rejection into an error carrying the
// machine code when one was provided.
func decodeSendError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("relay rejected send: %s (%s)", body.Error, resp.Status)
	}
	return fmt.Errorf("relay rejected send: %s", resp.Status)
}
