package matching

import (
	"testing"
	"time"
)

func entry(conn, user string) QueueEntry {
	return QueueEntry{ConnID: conn, UserID: user, EnqueuedAt: time.Unix(0, 0)}
}

func TestQueue_PushRejectsDuplicateIdentity(t *testing.T) {
	q := NewQueue()
	if err := q.Push(entry("c1", "u1")); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := q.Push(entry("c2", "u1")); err != ErrAlreadyQueued {
		t.Errorf("second connection of same identity: got %v, want ErrAlreadyQueued", err)
	}
	if err := q.Push(entry("c1", "u9")); err != ErrAlreadyQueued {
		t.Errorf("same connection twice: got %v, want ErrAlreadyQueued", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestQueue_PopFirstIsFIFO(t *testing.T) {
	q := NewQueue()
	for _, e := range []QueueEntry{entry("c1", "u1"), entry("c2", "u2"), entry("c3", "u3")} {
		if err := q.Push(e); err != nil {
			t.Fatal(err)
		}
	}

	got, ok := q.PopFirst(func(QueueEntry) bool { return true })
	if !ok || got.ConnID != "c1" {
		t.Fatalf("PopFirst = %+v, %v; want c1", got, ok)
	}
	if q.Contains("c1") || q.ContainsUser("u1") {
		t.Error("popped entry still indexed")
	}
}

func TestQueue_PopFirstSkipsRejected(t *testing.T) {
	q := NewQueue()
	q.Push(entry("c1", "u1"))
	q.Push(entry("c2", "u2"))
	q.Push(entry("c3", "u3"))

	got, ok := q.PopFirst(func(e QueueEntry) bool { return e.UserID != "u1" })
	if !ok || got.ConnID != "c2" {
		t.Fatalf("PopFirst = %+v, %v; want c2", got, ok)
	}

	rest := q.Entries()
	if len(rest) != 2 || rest[0].ConnID != "c1" || rest[1].ConnID != "c3" {
		t.Errorf("remaining order = %+v, want c1, c3", rest)
	}
}

func TestQueue_PopFirstNoCandidate(t *testing.T) {
	q := NewQueue()
	q.Push(entry("c1", "u1"))

	if _, ok := q.PopFirst(func(QueueEntry) bool { return false }); ok {
		t.Error("PopFirst should find nothing")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestQueue_RemoveDuringScan(t *testing.T) {
	q := NewQueue()
	for i, id := range []string{"a", "b", "c", "d"} {
		q.Push(QueueEntry{ConnID: id, UserID: id, EnqueuedAt: time.Unix(int64(i), 0)})
	}

	// Drain everything through PopFirst; each call splices out one element.
	var order []string
	for q.Len() > 0 {
		e, ok := q.PopFirst(func(QueueEntry) bool { return true })
		if !ok {
			t.Fatal("PopFirst returned false on non-empty queue")
		}
		order = append(order, e.ConnID)
	}
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", order, want)
		}
	}
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue()
	q.Push(entry("c1", "u1"))

	if _, ok := q.Remove("missing"); ok {
		t.Error("Remove of unknown connection reported success")
	}
	got, ok := q.Remove("c1")
	if !ok || got.UserID != "u1" {
		t.Fatalf("Remove = %+v, %v", got, ok)
	}
	if q.Len() != 0 || q.ContainsUser("u1") {
		t.Error("queue not empty after Remove")
	}

	// Identity may queue again once removed.
	if err := q.Push(entry("c2", "u1")); err != nil {
		t.Errorf("re-push after remove: %v", err)
	}
}
