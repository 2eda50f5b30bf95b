package store

import "time"

// State represents the delivery state of a message.
type State uint8

const (
	// StateCreated means the message exists locally but delivery has
	// not been initiated.
	StateCreated State = iota
	// StatePendingDelivery means the message has been handed to the
	// relay and is awaiting acknowledgment.
	StatePendingDelivery
	// StateDelivered means the recipient acknowledged the message.
	StateDelivered
	// StateActive means the receiving side has processed the message.
	StateActive
	// StateFailed means delivery was abandoned after the retry ceiling.
	StateFailed
	// StateExpired means the expiration timestamp has passed.
	StateExpired
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePendingDelivery:
		return "pending_delivery"
	case StateDelivered:
		return "delivered"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Message is a single message record within a conversation.
//
// ID, ConversationID, SenderID, CreatedAt and ExpiresAt are write-once:
// a duplicate arrival can never overwrite them. Payload is opaque
// encrypted bytes the engine never interprets.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	State          State
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Payload        []byte

	// seq records first-seen order and breaks CreatedAt ties so that
	// ordering is deterministic under repeated delivery.
	seq uint64
}

// Expired reports whether the message's expiration timestamp has
// passed at the given time.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !m.ExpiresAt.After(now)
}

// Failed reports whether the message is in a terminal failed state.
func (m *Message) Failed() bool {
	return m.State == StateFailed
}

// stateRank orders the forward-only portion of the lifecycle. States
// outside this ladder (failed, expired) are handled explicitly in
// allowedTransition.
func stateRank(s State) (int, bool) {
	switch s {
	case StateCreated:
		return 0, true
	case StatePendingDelivery:
		return 1, true
	case StateDelivered:
		return 2, true
	case StateActive:
		return 3, true
	default:
		return 0, false
	}
}

// allowedTransition reports whether a record in state from may be
// moved to state to. The rules:
//
//   - same-state arrivals are a metadata refresh, always allowed
//   - expiration always wins: any state may move to expired
//   - the forward ladder created -> pending_delivery -> delivered ->
//     active only moves forward
//   - failed is reachable from created, pending_delivery and, as the
//     one sanctioned backward-looking move, from delivered
//   - nothing leaves failed or expired except expiration itself
func allowedTransition(from, to State) bool {
	if from == to {
		return true
	}
	if to == StateExpired {
		return true
	}
	if from == StateExpired || from == StateFailed {
		return false
	}
	if to == StateFailed {
		return from == StateCreated || from == StatePendingDelivery || from == StateDelivered
	}
	fromRank, ok := stateRank(from)
	if !ok {
		return false
	}
	toRank, ok := stateRank(to)
	if !ok {
		return false
	}
	return toRank > fromRank
}
