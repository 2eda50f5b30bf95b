package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/store"
	"github.com/opd-ai/courier/transport"
)

// DefaultSweepInterval is how often the handler removes expired
// messages and republishes the affected conversations.
const DefaultSweepInterval = 60 * time.Second

// Link is the transport surface the handler consumes: the composite
// coordinator in production, a fake in tests.
type Link interface {
	transport.Transport
	OnAck(handler transport.AckHandler)
}

// Observer receives the full ordered message list of a conversation
// after any change to it.
type Observer func(conversationID string, messages []store.Message)

// Handler connects a transport link to the message store. Inbound
// frames become delivered records, acknowledgments update
// locally-sent messages, and every change republishes the affected
// conversation to the registered observer.
type Handler struct {
	link  Link
	store *store.Store

	mu            sync.Mutex
	observer      Observer
	sweepInterval time.Duration
	running       bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewHandler creates a handler over the given link and store. Handlers
// are registered on the link here, before any connection exists.
func NewHandler(link Link, st *store.Store) *Handler {
	h := &Handler{
		link:          link,
		store:         st,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	link.OnMessage(h.handleInbound)
	link.OnAck(h.handleAck)
	return h
}

// SetSweepInterval overrides the expiration sweep interval. Must be
// called before Start.
func (h *Handler) SetSweepInterval(interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepInterval = interval
}

// OnConversationUpdate registers the observer notified after every
// conversation change.
func (h *Handler) OnConversationUpdate(observer Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = observer
}

// Start connects the link and begins the periodic expiration sweep.
func (h *Handler) Start(ctx context.Context, identity string) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	h.running = true
	h.stopChan = make(chan struct{})
	interval := h.sweepInterval
	h.mu.Unlock()

	if err := h.link.Connect(ctx, identity); err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return err
	}

	h.wg.Add(1)
	go h.sweepLoop(interval)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": interval.String(),
	}).Info("Delivery handler started")
	return nil
}

// Stop disconnects the link and halts the sweep loop. Safe to call
// more than once.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.stopChan)
	h.mu.Unlock()

	err := h.link.Disconnect()
	h.wg.Wait()
	return err
}

// AddMessage records a locally-sent message. The message enters the
// store in pending_delivery; the relay's acknowledgment later moves it
// forward. It reports whether the id was previously unseen.
func (h *Handler) AddMessage(msg store.Message) bool {
	msg.State = store.StatePendingDelivery
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = h.now()
	}
	if msg.ExpiresAt.IsZero() {
		msg.ExpiresAt = msg.CreatedAt.Add(transport.DefaultTTL)
	}
	isNew := h.store.Insert(msg)
	h.publish(msg.ConversationID)
	return isNew
}

// UpdateMessage applies a partial update to an existing message and
// republishes its conversation. It reports whether the message exists.
func (h *Handler) UpdateMessage(conversationID, messageID string, fields store.Fields) bool {
	ok := h.store.Update(conversationID, messageID, fields)
	if ok {
		h.publish(conversationID)
	}
	return ok
}

// Messages returns the ordered message list for a conversation.
func (h *Handler) Messages(conversationID string) []store.Message {
	return h.store.Get(conversationID)
}

// handleInbound stores a message received over the wire and accepts
// it for acknowledgment. An expired message is accepted too: it was
// observed and deliberately discarded, and an ack stops the relay
// from redelivering it.
func (h *Handler) handleInbound(msg *transport.Message) bool {
	if msg.Expired(h.now()) {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"message":  msg.ID,
		}).Debug("Dropping expired inbound message")
		return true
	}
	h.store.Insert(store.Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		State:          store.StateDelivered,
		CreatedAt:      msg.Timestamp,
		ExpiresAt:      msg.ExpiresAt,
		Payload:        msg.Payload,
	})
	h.publish(msg.ConversationID)
	return true
}

// handleAck moves a locally-sent message to delivered or failed based
// on the relay's acknowledgment. Acks for unknown messages are
// dropped.
func (h *Handler) handleAck(ack transport.AckFrame) {
	state := store.StateDelivered
	if !ack.Delivered() {
		state = store.StateFailed
	}
	if !h.store.Update(ack.ConversationID, ack.MessageID, store.Fields{State: &state}) {
		logrus.WithFields(logrus.Fields{
			"function": "handleAck",
			"message":  ack.MessageID,
		}).Debug("Acknowledgment for unknown message")
		return
	}
	h.publish(ack.ConversationID)
}

func (h *Handler) sweepLoop(interval time.Duration) {
	defer h.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopChan:
			return
		case now := <-ticker.C:
			// Snapshot before the sweep so conversations emptied by it
			// still get a final (empty) publish.
			conversations := h.store.Conversations()
			if h.store.SweepExpired(now) > 0 {
				for _, convID := range conversations {
					h.publish(convID)
				}
			}
		}
	}
}

// publish hands the conversation's current ordered list to the
// observer, if one is registered.
func (h *Handler) publish(conversationID string) {
	h.mu.Lock()
	observer := h.observer
	h.mu.Unlock()
	if observer != nil {
		observer(conversationID, h.store.Get(conversationID))
	}
}
