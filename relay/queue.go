package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/transport"
)

// ErrQueueFull indicates an identity's offline queue is at capacity
// and nothing in it could be evicted.
var ErrQueueFull = errors.New("offline queue full")

// queuedFrame is one message held for an offline recipient: the
// normalized message for pull responses and the encoded frame for a
// later push.
type queuedFrame struct {
	msg   *transport.Message
	frame []byte
}

// OfflineQueue holds messages for recipients with no live connection.
// Each identity has an independent FIFO bounded by an entry count and
// a byte budget. Only expired entries are ever evicted to make room;
// a queue full of live messages rejects new arrivals instead of
// dropping old ones.
type OfflineQueue struct {
	mu         sync.Mutex
	queues     map[string][]queuedFrame
	sizes      map[string]int
	maxEntries int
	maxBytes   int
	now        func() time.Time
}

// NewOfflineQueue creates a queue with per-identity caps. Zero caps
// mean unbounded.
func NewOfflineQueue(maxEntries, maxBytes int) *OfflineQueue {
	return &OfflineQueue{
		queues:     make(map[string][]queuedFrame),
		sizes:      make(map[string]int),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		now:        time.Now,
	}
}

// Enqueue appends a message to the identity's queue. When a cap would
// be exceeded, expired entries are dropped first; if that frees no
// room the message is rejected with [ErrQueueFull].
func (q *OfflineQueue) Enqueue(identity string, msg *transport.Message, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.overCapLocked(identity, len(frame)) {
		q.dropExpiredLocked(identity, q.now())
		if q.overCapLocked(identity, len(frame)) {
			return ErrQueueFull
		}
	}

	q.queues[identity] = append(q.queues[identity], queuedFrame{msg: msg, frame: frame})
	q.sizes[identity] += len(frame)
	return nil
}

// Collect returns up to limit live messages queued for the identity,
// oldest first, skipping everything up to and including the message
// with id after. An after id no longer present in the queue (the
// normal case: the client acked it and Remove dropped it) means
// everything still queued is unacked, so collection starts from the
// beginning. A zero limit means no limit. Collected messages stay
// queued until acknowledged via Remove.
func (q *OfflineQueue) Collect(identity, after string, limit int) []transport.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	skipping := after != "" && q.containsLocked(identity, after)
	var out []transport.Message
	for _, entry := range q.queues[identity] {
		if skipping {
			if entry.msg.ID == after {
				skipping = false
			}
			continue
		}
		if entry.msg.Expired(now) {
			continue
		}
		out = append(out, *entry.msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Frame returns the encoded frame queued for the identity under the
// given message id, if any.
func (q *OfflineQueue) Frame(identity, messageID string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.queues[identity] {
		if entry.msg.ID == messageID {
			return entry.frame, true
		}
	}
	return nil, false
}

// Remove deletes the message with the given id from the identity's
// queue, reporting whether it was present.
func (q *OfflineQueue) Remove(identity, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[identity]
	for i, entry := range queue {
		if entry.msg.ID == messageID {
			q.sizes[identity] -= len(entry.frame)
			q.queues[identity] = append(queue[:i], queue[i+1:]...)
			q.cleanupLocked(identity)
			return true
		}
	}
	return false
}

// Len returns the number of messages queued for the identity.
func (q *OfflineQueue) Len(identity string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[identity])
}

// SweepExpired drops every expired entry across all queues and
// returns the number removed.
func (q *OfflineQueue) SweepExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for identity := range q.queues {
		removed += q.dropExpiredLocked(identity, now)
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SweepExpired",
			"removed":  removed,
		}).Debug("Dropped expired queued messages")
	}
	return removed
}

func (q *OfflineQueue) containsLocked(identity, messageID string) bool {
	for _, entry := range q.queues[identity] {
		if entry.msg.ID == messageID {
			return true
		}
	}
	return false
}

func (q *OfflineQueue) overCapLocked(identity string, incoming int) bool {
	if q.maxEntries > 0 && len(q.queues[identity]) >= q.maxEntries {
		return true
	}
	if q.maxBytes > 0 && q.sizes[identity]+incoming > q.maxBytes {
		return true
	}
	return false
}

func (q *OfflineQueue) dropExpiredLocked(identity string, now time.Time) int {
	queue := q.queues[identity]
	kept := queue[:0]
	removed := 0
	for _, entry := range queue {
		if entry.msg.Expired(now) {
			q.sizes[identity] -= len(entry.frame)
			removed++
		} else {
			kept = append(kept, entry)
		}
	}
	q.queues[identity] = kept
	q.cleanupLocked(identity)
	return removed
}

// cleanupLocked releases map entries for emptied queues.
func (q *OfflineQueue) cleanupLocked(identity string) {
	if len(q.queues[identity]) == 0 {
		delete(q.queues, identity)
		delete(q.sizes, identity)
	}
}
