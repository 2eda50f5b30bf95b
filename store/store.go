package store

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Fields carries a partial update for an existing message. Nil fields
// are left unchanged.
type Fields struct {
	State   *State
	Payload []byte
}

// Store is the per-conversation message collection. All methods are
// safe for concurrent use; mutations serialize on a single mutex and
// the critical sections perform only map and slice manipulation.
type Store struct {
	mu            sync.Mutex
	conversations map[string]map[string]*Message
	nextSeq       uint64
	now           func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[string]map[string]*Message),
		now:           time.Now,
	}
}

// Insert adds a message to its conversation's collection and reports
// whether the message id was previously unseen.
//
// Duplicates run the reconciliation rule: if the incoming state is a
// legal transition from the existing state, the record is merged,
// keeping the original CreatedAt, SenderID and ExpiresAt and taking the
// incoming state and payload. Illegal transitions are discarded
// silently. The return value is false for every duplicate, merged or
// not.
func (s *Store) Insert(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.conversations[msg.ConversationID]
	if conv == nil {
		conv = make(map[string]*Message)
		s.conversations[msg.ConversationID] = conv
	}

	existing, seen := conv[msg.ID]
	if !seen {
		record := msg
		if record.CreatedAt.IsZero() {
			record.CreatedAt = s.now()
		}
		record.seq = s.nextSeq
		s.nextSeq++
		conv[msg.ID] = &record
		return true
	}

	if allowedTransition(existing.State, msg.State) {
		existing.State = msg.State
		existing.Payload = msg.Payload
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "Insert",
			"message":  shortID(msg.ID),
			"from":     existing.State.String(),
			"to":       msg.State.String(),
		}).Debug("Discarding illegal state transition from duplicate")
	}
	return false
}

// Update applies a partial update to an existing message, routed
// through the same transition legality as Insert. It reports whether a
// record with the given id exists; an illegal state change on an
// existing record still returns true and leaves the record untouched.
func (s *Store) Update(conversationID, messageID string, fields Fields) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[conversationID][messageID]
	if !ok {
		return false
	}

	if fields.State != nil {
		if allowedTransition(existing.State, *fields.State) {
			existing.State = *fields.State
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "Update",
				"message":  shortID(messageID),
				"from":     existing.State.String(),
				"to":       fields.State.String(),
			}).Debug("Discarding illegal state transition from update")
		}
	}
	if fields.Payload != nil {
		existing.Payload = fields.Payload
	}
	return true
}

// Get returns the conversation's messages sorted newest-first by
// CreatedAt. Ties are broken by first-seen order, so inserting the same
// set of messages in any order yields the same final list. The returned
// slice holds copies; callers cannot mutate store state through it.
func (s *Store) Get(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.conversations[conversationID]
	out := make([]Message, 0, len(conv))
	for _, m := range conv {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Conversations returns the ids of all conversations that currently
// hold at least one message.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SweepExpired removes every message whose expiration timestamp is at
// or before now, regardless of state, and returns the number removed.
// A message is either fully present or fully absent; there is no
// intermediate state.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for convID, conv := range s.conversations {
		for id, m := range conv {
			if m.Expired(now) {
				delete(conv, id)
				removed++
			}
		}
		if len(conv) == 0 {
			delete(s.conversations, convID)
		}
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SweepExpired",
			"removed":  removed,
		}).Debug("Removed expired messages")
	}
	return removed
}

// shortID truncates an identifier for logging. Full ids stay out of
// logs.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
