package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/transport"
)

// Default delivery policy values.
const (
	DefaultRetryBase       = 1 * time.Second
	DefaultRetryCap        = 60 * time.Second
	DefaultMaxAttempts     = 5
	DefaultMaxPayloadBytes = 64 * 1024
	DefaultMaxTTL          = 30 * 24 * time.Hour
	DefaultQueueMaxEntries = 1000
	DefaultQueueMaxBytes   = 16 * 1024 * 1024

	// PullBatchLimit bounds one pull response.
	PullBatchLimit = 100
)

// Failure reasons reported through Events.
const (
	ReasonExpired   = "expired"
	ReasonExhausted = "retries_exhausted"
)

// Identity decides whether a sender may post to a conversation.
type Identity interface {
	MaySend(senderID, conversationID string) bool
}

// Conversation supplies conversation state and membership.
type Conversation interface {
	Active(conversationID string) bool
	Participants(conversationID string) []string
}

// Pusher delivers an encoded frame to a connected identity, reporting
// whether the identity had a live connection. The production Pusher is
// [Hub].
type Pusher interface {
	Push(identity string, frame []byte) bool
}

// Config is the relay delivery policy.
type Config struct {
	RetryBase       time.Duration
	RetryCap        time.Duration
	MaxAttempts     int
	MaxPayloadBytes int
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	QueueMaxEntries int
	QueueMaxBytes   int
}

// DefaultConfig returns the production delivery policy.
func DefaultConfig() Config {
	return Config{
		RetryBase:       DefaultRetryBase,
		RetryCap:        DefaultRetryCap,
		MaxAttempts:     DefaultMaxAttempts,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		DefaultTTL:      transport.DefaultTTL,
		MaxTTL:          DefaultMaxTTL,
		QueueMaxEntries: DefaultQueueMaxEntries,
		QueueMaxBytes:   DefaultQueueMaxBytes,
	}
}

// SendRequest is one message submitted for delivery.
type SendRequest struct {
	SenderID       string
	ConversationID string
	Payload        []byte
	TTL            time.Duration
}

// SendResponse acknowledges acceptance of a message.
type SendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// delivery is the in-flight state for one (message, recipient) pair.
type delivery struct {
	msg     *transport.Message
	frame   []byte
	backoff *backoff.ExponentialBackOff
	attempt int
}

// Service accepts messages from senders and drives them to recipients:
// immediate push to live connections, offline queueing for pull
// pickup, acknowledgment tracking and exponential-backoff retries with
// a hard attempt ceiling. Message payloads are opaque; the service
// never logs or inspects them.
type Service struct {
	cfg          Config
	identity     Identity
	conversation Conversation
	pusher       Pusher
	events       Events
	queue        *OfflineQueue
	pending      *ackTable

	mu         sync.Mutex
	deliveries map[deliveryKey]*delivery
	closed     bool

	now func() time.Time
}

// offlinePusher treats every identity as disconnected.
type offlinePusher struct{}

func (offlinePusher) Push(string, []byte) bool { return false }

// NewService creates a delivery service. A nil events sink is replaced
// with [NopEvents]; a nil pusher treats everyone as offline until
// [Service.SetPusher] installs the real one.
func NewService(cfg Config, identity Identity, conversation Conversation, pusher Pusher, events Events) *Service {
	if events == nil {
		events = NopEvents{}
	}
	if pusher == nil {
		pusher = offlinePusher{}
	}
	return &Service{
		cfg:          cfg,
		identity:     identity,
		conversation: conversation,
		pusher:       pusher,
		events:       events,
		queue:        NewOfflineQueue(cfg.QueueMaxEntries, cfg.QueueMaxBytes),
		pending:      newAckTable(),
		deliveries:   make(map[deliveryKey]*delivery),
		now:          time.Now,
	}
}

// SetPusher installs the frame pusher. The hub and the service
// reference each other, so one of them is wired after construction.
// Must be called before the first Send.
func (s *Service) SetPusher(pusher Pusher) {
	s.pusher = pusher
}

// Send validates a message, assigns it a server id and timestamp, and
// starts delivery to every other participant of the conversation.
// Errors of type [*RequestError] are client-caused; the message was
// not accepted.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	if req.ConversationID == "" {
		return SendResponse{}, badRequest("conversation id required")
	}
	if len(req.Payload) == 0 {
		return SendResponse{}, badRequest("payload required")
	}
	if len(req.Payload) > s.cfg.MaxPayloadBytes {
		return SendResponse{}, badRequest("payload exceeds size limit")
	}
	if !s.conversation.Active(req.ConversationID) {
		return SendResponse{}, notFound("unknown conversation")
	}
	if !s.identity.MaySend(req.SenderID, req.ConversationID) {
		return SendResponse{}, notAuthorized("sender may not post to this conversation")
	}

	now := s.now()
	msg := &transport.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Payload:        req.Payload,
		Timestamp:      now,
		ExpiresAt:      now.Add(s.clampTTL(req.TTL)),
	}
	frame, err := transport.EncodeFrame(msg)
	if err != nil {
		return SendResponse{}, err
	}

	var started []string
	for _, participant := range s.conversation.Participants(req.ConversationID) {
		if participant == req.SenderID {
			continue
		}
		if err := s.startDelivery(participant, msg, frame); err != nil {
			for _, recipient := range started {
				s.abortDelivery(recipient, msg.ID)
			}
			s.events.QueueRejected(participant)
			return SendResponse{}, queueFull("recipient queue full")
		}
		started = append(started, participant)
	}

	s.events.MessageAccepted(req.ConversationID)
	logrus.WithFields(logrus.Fields{
		"function":     "Send",
		"conversation": req.ConversationID,
		"recipients":   len(started),
	}).Debug("Message accepted")
	return SendResponse{MessageID: msg.ID, Status: "accepted"}, nil
}

// Pull returns queued messages for the identity newer than the given
// cursor, oldest first. Expired entries are skipped.
func (s *Service) Pull(identity, after string) []transport.Message {
	return s.queue.Collect(identity, after, PullBatchLimit)
}

// HandleAck resolves the pending delivery for an acknowledgment sent
// by the given identity: the retry timer is cancelled, the queued copy
// removed, and the ack forwarded to the original sender if connected.
// Acks with no matching pending delivery are ignored.
func (s *Service) HandleAck(identity string, ack transport.AckFrame) {
	s.events.AckReceived(ack.Status)

	key := deliveryKey{messageID: ack.MessageID, recipient: identity}
	s.pending.cancel(key)
	s.queue.Remove(identity, ack.MessageID)

	s.mu.Lock()
	entry := s.deliveries[key]
	delete(s.deliveries, key)
	s.mu.Unlock()
	if entry == nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleAck",
			"status":   ack.Status,
		}).Debug("Acknowledgment with no pending delivery")
		return
	}

	if ack.Delivered() {
		s.events.DeliverySucceeded(identity)
	} else {
		s.events.DeliveryFailed(identity, ack.Status)
	}
	s.forwardAck(entry.msg, ack.Status)
}

// SweepExpired drops expired entries from every offline queue.
func (s *Service) SweepExpired(now time.Time) int {
	return s.queue.SweepExpired(now)
}

// Close cancels all pending retry timers. No retry fires after it
// returns.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.deliveries = make(map[deliveryKey]*delivery)
	s.mu.Unlock()
	s.pending.close()
}

// clampTTL applies the expiry policy: defaulted when absent, capped at
// the maximum.
func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.cfg.DefaultTTL
	}
	if ttl > s.cfg.MaxTTL {
		return s.cfg.MaxTTL
	}
	return ttl
}

// startDelivery makes the first delivery attempt for one recipient and
// arms the acknowledgment timer. It fails only when the recipient is
// offline and their queue is full.
func (s *Service) startDelivery(recipient string, msg *transport.Message, frame []byte) error {
	s.events.DeliveryAttempt(recipient, 0)
	if !s.pusher.Push(recipient, frame) {
		if err := s.queue.Enqueue(recipient, msg, frame); err != nil {
			return err
		}
		s.events.MessageQueued(recipient)
	}

	entry := &delivery{msg: msg, frame: frame, backoff: s.newBackoff()}
	key := deliveryKey{messageID: msg.ID, recipient: recipient}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.deliveries[key] = entry
	s.mu.Unlock()

	s.armRetry(key, entry)
	return nil
}

// abortDelivery unwinds a started delivery when a later recipient in
// the same send is rejected.
func (s *Service) abortDelivery(recipient, messageID string) {
	key := deliveryKey{messageID: messageID, recipient: recipient}
	s.pending.cancel(key)
	s.queue.Remove(recipient, messageID)
	s.mu.Lock()
	delete(s.deliveries, key)
	s.mu.Unlock()
}

// retry runs when the acknowledgment timer expires: re-push and re-arm
// until the attempt ceiling, unless the message has expired first.
// Expiry always wins over another attempt.
func (s *Service) retry(key deliveryKey) {
	s.mu.Lock()
	entry := s.deliveries[key]
	if entry == nil || s.closed {
		s.mu.Unlock()
		return
	}
	entry.attempt++
	attempt := entry.attempt
	s.mu.Unlock()

	if entry.msg.Expired(s.now()) {
		s.finishFailed(key, entry, ReasonExpired)
		return
	}
	if attempt >= s.cfg.MaxAttempts {
		s.finishFailed(key, entry, ReasonExhausted)
		return
	}

	s.events.DeliveryAttempt(key.recipient, attempt)
	if s.pusher.Push(key.recipient, entry.frame) {
		s.queue.Remove(key.recipient, key.messageID)
	} else if _, queued := s.queue.Frame(key.recipient, key.messageID); !queued {
		// Queue full here is terminal; old unexpired messages are
		// never evicted for a retry.
		if err := s.queue.Enqueue(key.recipient, entry.msg, entry.frame); err != nil {
			s.finishFailed(key, entry, ReasonExhausted)
			return
		}
		s.events.MessageQueued(key.recipient)
	}
	s.armRetry(key, entry)
}

// finishFailed abandons a delivery, emits the failure event and sends
// the sender a failed ack frame.
func (s *Service) finishFailed(key deliveryKey, entry *delivery, reason string) {
	s.queue.Remove(key.recipient, key.messageID)
	s.mu.Lock()
	delete(s.deliveries, key)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "finishFailed",
		"reason":   reason,
	}).Info("Delivery abandoned")
	s.events.DeliveryFailed(key.recipient, reason)
	s.forwardAck(entry.msg, transport.AckStatusFailed)
}

// forwardAck pushes an ack frame for the message back to its sender.
// An offline sender learns nothing; their copy stays pending until it
// expires.
func (s *Service) forwardAck(msg *transport.Message, status string) {
	data, err := transport.EncodeAck(transport.NewAck(msg.ID, msg.ConversationID, status))
	if err != nil {
		return
	}
	s.pusher.Push(msg.SenderID, data)
}

func (s *Service) armRetry(key deliveryKey, entry *delivery) {
	delay := entry.backoff.NextBackOff()
	s.pending.arm(key, delay, func() { s.retry(key) })
}

// newBackoff builds the per-delivery retry schedule:
// min(base*2^attempt, cap), no jitter, no elapsed-time cutoff.
func (s *Service) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = s.cfg.RetryCap
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
