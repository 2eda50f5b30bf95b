package relay

import (
	"sync"
	"time"
)

// deliveryKey identifies one message bound for one recipient.
type deliveryKey struct {
	messageID string
	recipient string
}

type pendingEntry struct {
	timer    *time.Timer
	canceled bool
}

// ackTable tracks deliveries awaiting a recipient acknowledgment.
// Each armed entry carries a timer whose expiry triggers a retry; an
// acknowledgment cancels it. The canceled flag is flipped under the
// table mutex and re-checked by the firing timer under the same
// mutex, so a timer firing concurrently with its cancellation is a
// no-op.
type ackTable struct {
	mu      sync.Mutex
	entries map[deliveryKey]*pendingEntry
	closed  bool
}

func newAckTable() *ackTable {
	return &ackTable{entries: make(map[deliveryKey]*pendingEntry)}
}

// arm schedules fire to run after delay unless the key is cancelled
// first. Re-arming an existing key replaces its timer.
func (t *ackTable) arm(key deliveryKey, delay time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	entry := &pendingEntry{}
	entry.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if entry.canceled {
			t.mu.Unlock()
			return
		}
		if t.entries[key] == entry {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		fire()
	})

	if old := t.entries[key]; old != nil {
		old.canceled = true
		old.timer.Stop()
	}
	t.entries[key] = entry
}

// cancel stops the key's pending timer, reporting whether one was
// armed.
func (t *ackTable) cancel(key deliveryKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entries[key]
	if entry == nil {
		return false
	}
	entry.canceled = true
	entry.timer.Stop()
	delete(t.entries, key)
	return true
}

// close cancels every pending timer and refuses further arming.
func (t *ackTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for key, entry := range t.entries {
		entry.canceled = true
		entry.timer.Stop()
		delete(t.entries, key)
	}
}
