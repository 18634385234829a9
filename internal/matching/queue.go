// Package matching holds the in-memory MatchQueue and ActiveMatchRegistry.
// Neither structure is safe for concurrent use; the random chat manager owns
// them and serialises access under its own lock.
package matching

import (
	"container/list"
	"errors"
	"time"
)

var (
	// ErrAlreadyQueued is returned when the identity already has a queue entry.
	ErrAlreadyQueued = errors.New("matching: identity already queued")

	// ErrAlreadyPaired is returned when either connection already has a partner.
	ErrAlreadyPaired = errors.New("matching: connection already paired")

	// ErrSelfPair is returned when a connection is paired with itself.
	ErrSelfPair = errors.New("matching: cannot pair connection with itself")
)

// QueueEntry is a searching connection waiting for a partner.
type QueueEntry struct {
	ConnID     string
	UserID     string
	EnqueuedAt time.Time
}

// Queue is a FIFO of searching connections with O(1) membership by identity
// and by connection.
type Queue struct {
	order  *list.List               // of *QueueEntry, oldest first
	byUser map[string]*list.Element // user id -> element
	byConn map[string]*list.Element // conn id -> element
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		order:  list.New(),
		byUser: make(map[string]*list.Element),
		byConn: make(map[string]*list.Element),
	}
}

// Push appends an entry. An identity may hold at most one entry.
func (q *Queue) Push(e QueueEntry) error {
	if _, ok := q.byUser[e.UserID]; ok {
		return ErrAlreadyQueued
	}
	if _, ok := q.byConn[e.ConnID]; ok {
		return ErrAlreadyQueued
	}
	entry := e
	el := q.order.PushBack(&entry)
	q.byUser[e.UserID] = el
	q.byConn[e.ConnID] = el
	return nil
}

// Remove deletes the entry of connID and reports whether one existed.
func (q *Queue) Remove(connID string) (QueueEntry, bool) {
	el, ok := q.byConn[connID]
	if !ok {
		return QueueEntry{}, false
	}
	return q.unlink(el), true
}

// PopFirst removes and returns the oldest entry accepted by keep. Entries
// rejected by keep stay in place.
func (q *Queue) PopFirst(keep func(QueueEntry) bool) (QueueEntry, bool) {
	for el := q.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*QueueEntry)
		if keep(*e) {
			return q.unlink(el), true
		}
		el = next
	}
	return QueueEntry{}, false
}

// Contains reports whether connID is queued.
func (q *Queue) Contains(connID string) bool {
	_, ok := q.byConn[connID]
	return ok
}

// ContainsUser reports whether the identity has a queue entry.
func (q *Queue) ContainsUser(userID string) bool {
	_, ok := q.byUser[userID]
	return ok
}

// Len returns the number of queued connections.
func (q *Queue) Len() int {
	return q.order.Len()
}

// Entries returns a snapshot of the queue, oldest first.
func (q *Queue) Entries() []QueueEntry {
	out := make([]QueueEntry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*QueueEntry))
	}
	return out
}

func (q *Queue) unlink(el *list.Element) QueueEntry {
	e := q.order.Remove(el).(*QueueEntry)
	delete(q.byUser, e.UserID)
	delete(q.byConn, e.ConnID)
	return *e
}
