// Package session tracks live connection sessions. The Table is the
// connection-id to identity indirection every manager resolves through;
// Store mirrors session state into Redis for operators.
package session

import (
	"sync"
	"time"

	"github.com/whisper/relay/internal/profile"
)

// State is the random chat lifecycle state of a connection.
type State string

const (
	StateIdle      State = "idle"
	StateSearching State = "searching"
	StateMatched   State = "matched"
)

// Session is one live transport connection. ID and UserID are fixed at
// admission; the remaining fields are owned by the random chat manager and
// only change under its lock.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	State     State
	PartnerID string
	MatchID   string
	Profile   *profile.Public
}

// New creates an idle session.
func New(connID, userID string, now time.Time) *Session {
	return &Session{
		ID:          connID,
		UserID:      userID,
		ConnectedAt: now,
		State:       StateIdle,
	}
}

// Table indexes live sessions by connection and by identity.
type Table struct {
	mu     sync.RWMutex
	byConn map[string]*Session
	byUser map[string]map[string]struct{}
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		byConn: make(map[string]*Session),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Add registers s and reports whether it is the identity's first live
// connection.
func (t *Table) Add(s *Session) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byConn[s.ID] = s
	conns, ok := t.byUser[s.UserID]
	if !ok {
		conns = make(map[string]struct{})
		t.byUser[s.UserID] = conns
	}
	conns[s.ID] = struct{}{}
	return len(conns) == 1
}

// Remove unregisters connID. It returns the removed session and whether it
// was the identity's last live connection.
func (t *Table) Remove(connID string) (s *Session, last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(t.byConn, connID)

	conns := t.byUser[s.UserID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(t.byUser, s.UserID)
		return s, true
	}
	return s, false
}

// Get returns the live session for connID.
func (t *Table) Get(connID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byConn[connID]
	return s, ok
}

// Live reports whether s is still the registered session for its id.
func (t *Table) Live(s *Session) bool {
	cur, ok := t.Get(s.ID)
	return ok && cur == s
}

// ConnectionsOf returns the connection ids of an identity.
func (t *Table) ConnectionsOf(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := t.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Online reports whether the identity has at least one live connection.
func (t *Table) Online(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser[userID]) > 0
}

// All returns the ids of every live connection.
func (t *Table) All() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.byConn))
	for id := range t.byConn {
		out = append(out, id)
	}
	return out
}

// Count returns the number of live connections.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byConn)
}
