package relay

import "sync"

// MemoryDirectory is a map-backed Identity and Conversation
// implementation: a sender may post exactly to the conversations they
// participate in. Suitable for the standalone daemon and for tests;
// larger deployments supply their own collaborators.
type MemoryDirectory struct {
	mu            sync.RWMutex
	conversations map[string]map[string]bool
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{conversations: make(map[string]map[string]bool)}
}

// AddConversation registers a conversation with its participants,
// replacing any previous membership.
func (d *MemoryDirectory) AddConversation(conversationID string, participants ...string) {
	members := make(map[string]bool, len(participants))
	for _, p := range participants {
		members[p] = true
	}
	d.mu.Lock()
	d.conversations[conversationID] = members
	d.mu.Unlock()
}

// RemoveConversation deletes a conversation.
func (d *MemoryDirectory) RemoveConversation(conversationID string) {
	d.mu.Lock()
	delete(d.conversations, conversationID)
	d.mu.Unlock()
}

// Active reports whether the conversation exists.
func (d *MemoryDirectory) Active(conversationID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conversations[conversationID] != nil
}

// Participants returns the conversation's members.
func (d *MemoryDirectory) Participants(conversationID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members := d.conversations[conversationID]
	out := make([]string, 0, len(members))
	for member := range members {
		out = append(out, member)
	}
	return out
}

// MaySend allows posting only by conversation participants.
func (d *MemoryDirectory) MaySend(senderID, conversationID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conversations[conversationID][senderID]
}
