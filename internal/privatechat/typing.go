package privatechat

import (
	"sync"
	"time"
)

// TypingTracker holds one inactivity timer per (typist, target) pair. A
// timer that is not refreshed within the TTL fires its expire callback, so a
// lost stop-typing frame never leaves an indicator stuck on.
type TypingTracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	timers map[string]*typingTimer
	seq    uint64
}

type typingTimer struct {
	t   *time.Timer
	gen uint64
}

// NewTypingTracker creates a tracker with the given inactivity TTL.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{ttl: ttl, timers: make(map[string]*typingTimer)}
}

func typingKey(from, to string) string {
	return from + "->" + to
}

// Touch marks from as typing to to and (re)arms the timer. expire runs on
// its own goroutine if the timer runs out.
func (tt *TypingTracker) Touch(from, to string, expire func()) {
	key := typingKey(from, to)

	tt.mu.Lock()
	defer tt.mu.Unlock()

	if cur, ok := tt.timers[key]; ok {
		cur.t.Stop()
	}
	tt.seq++
	gen := tt.seq
	tt.timers[key] = &typingTimer{
		gen: gen,
		t: time.AfterFunc(tt.ttl, func() {
			if tt.expired(key, gen) {
				expire()
			}
		}),
	}
}

// expired removes the entry if it still belongs to generation gen. A timer
// superseded by a later Touch or Stop finds a different generation and
// does nothing.
func (tt *TypingTracker) expired(key string, gen uint64) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	cur, ok := tt.timers[key]
	if !ok || cur.gen != gen {
		return false
	}
	delete(tt.timers, key)
	return true
}

// Stop clears the indicator and reports whether one was active.
func (tt *TypingTracker) Stop(from, to string) bool {
	key := typingKey(from, to)

	tt.mu.Lock()
	defer tt.mu.Unlock()

	cur, ok := tt.timers[key]
	if !ok {
		return false
	}
	cur.t.Stop()
	delete(tt.timers, key)
	return true
}

// Active reports whether from is currently typing to to.
func (tt *TypingTracker) Active(from, to string) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	_, ok := tt.timers[typingKey(from, to)]
	return ok
}

// Close stops every timer without firing it.
func (tt *TypingTracker) Close() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for key, cur := range tt.timers {
		cur.t.Stop()
		delete(tt.timers, key)
	}
}
