package chat

import (
	"sync"
	"time"
)

// TranscriptSize is the number of recent lines kept per match.
const TranscriptSize = 5

// Line is one relayed random-chat message kept for abuse reports.
type Line struct {
	From string    `json:"from"` // sender user id
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Transcripts keeps the last TranscriptSize lines of every active match in
// memory. Nothing here is persisted unless a report snapshots it. Safe for
// concurrent use.
type Transcripts struct {
	mu    sync.Mutex
	rings map[string]*ring // match id -> ring
}

type ring struct {
	lines [TranscriptSize]Line
	next  int
	full  bool
}

// NewTranscripts creates an empty transcript set.
func NewTranscripts() *Transcripts {
	return &Transcripts{rings: make(map[string]*ring)}
}

// Append records a line for matchID, overwriting the oldest when full.
func (t *Transcripts) Append(matchID string, l Line) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rings[matchID]
	if !ok {
		r = &ring{}
		t.rings[matchID] = r
	}
	r.lines[r.next] = l
	r.next++
	if r.next == TranscriptSize {
		r.next = 0
		r.full = true
	}
}

// Snapshot returns the lines of matchID oldest first. It never returns nil.
func (t *Transcripts) Snapshot(matchID string) []Line {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rings[matchID]
	if !ok {
		return []Line{}
	}
	if !r.full {
		return append([]Line(nil), r.lines[:r.next]...)
	}
	out := make([]Line, 0, TranscriptSize)
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// Drop forgets matchID. Called when the pair is torn down.
func (t *Transcripts) Drop(matchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rings, matchID)
}

// Len returns the number of matches with a transcript.
func (t *Transcripts) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rings)
}
