package privatechat

import "sync"

type unreadKey struct {
	conversationID string
	userID         string
}

// UnreadCounter counts messages an identity has not read yet, per
// conversation. It lives in memory only and starts from zero on restart.
type UnreadCounter struct {
	mu     sync.Mutex
	counts map[unreadKey]int
}

// NewUnreadCounter creates an empty counter.
func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{counts: make(map[unreadKey]int)}
}

// Add records one more unread message for userID.
func (u *UnreadCounter) Add(conversationID, userID string) {
	u.mu.Lock()
	u.counts[unreadKey{conversationID, userID}]++
	u.mu.Unlock()
}

// Reset clears the count of userID and returns what it was.
func (u *UnreadCounter) Reset(conversationID, userID string) int {
	k := unreadKey{conversationID, userID}
	u.mu.Lock()
	defer u.mu.Unlock()
	n := u.counts[k]
	delete(u.counts, k)
	return n
}

// Count returns the unread count of userID.
func (u *UnreadCounter) Count(conversationID, userID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[unreadKey{conversationID, userID}]
}
