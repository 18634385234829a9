package matching

import "time"

// Pair describes one side of an active match.
type Pair struct {
	PartnerID string
	MatchID   string
	Since     time.Time
}

// Registry stores active random-chat pairs as two directed entries so either
// side resolves its partner in O(1). Both directions are always written and
// removed together.
type Registry struct {
	pairs map[string]Pair // conn id -> partner side
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pairs: make(map[string]Pair)}
}

// Pair links a and b under matchID.
func (r *Registry) Pair(a, b, matchID string, now time.Time) error {
	if a == b {
		return ErrSelfPair
	}
	if _, ok := r.pairs[a]; ok {
		return ErrAlreadyPaired
	}
	if _, ok := r.pairs[b]; ok {
		return ErrAlreadyPaired
	}
	r.pairs[a] = Pair{PartnerID: b, MatchID: matchID, Since: now}
	r.pairs[b] = Pair{PartnerID: a, MatchID: matchID, Since: now}
	return nil
}

// Unpair removes the pair containing connID and returns the partner side.
func (r *Registry) Unpair(connID string) (Pair, bool) {
	p, ok := r.pairs[connID]
	if !ok {
		return Pair{}, false
	}
	delete(r.pairs, connID)
	if back, ok := r.pairs[p.PartnerID]; ok && back.PartnerID == connID {
		delete(r.pairs, p.PartnerID)
	}
	return p, true
}

// Partner returns the partner side of connID.
func (r *Registry) Partner(connID string) (Pair, bool) {
	p, ok := r.pairs[connID]
	return p, ok
}

// Symmetric reports whether connID is either unpaired or paired with a
// partner that points back at it.
func (r *Registry) Symmetric(connID string) bool {
	p, ok := r.pairs[connID]
	if !ok {
		return true
	}
	back, ok := r.pairs[p.PartnerID]
	return ok && back.PartnerID == connID && back.MatchID == p.MatchID
}

// Len returns the number of directed entries (twice the pair count).
func (r *Registry) Len() int {
	return len(r.pairs)
}

// Pairs returns the number of active pairs.
func (r *Registry) Pairs() int {
	return len(r.pairs) / 2
}
