// Package randomchat pairs anonymous searchers and relays their messages.
//
// A connection moves Idle -> Searching -> Matched -> Idle, or Matched ->
// Searching through next. The MatchQueue, the ActiveMatchRegistry and every
// session's random-chat fields are guarded by one mutex. Nothing that can
// block (profile lookups, Redis, socket writes) runs while it is held: events
// are queued in an Outbox and delivered after unlock.
package randomchat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/event"
	"github.com/whisper/relay/internal/matching"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/profile"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/report"
	"github.com/whisper/relay/internal/session"
)

// Tracker mirrors state transitions outside the process.
type Tracker interface {
	Track(ctx context.Context, connID string, state session.State, partnerID string) error
}

// Limiter throttles actions per connection.
type Limiter interface {
	Allow(ctx context.Context, id string, rule ratelimit.Rule) (bool, error)
}

// Reporter files an abuse report against a former partner.
type Reporter interface {
	File(ctx context.Context, r *report.Report) error
}

// Screener hands relayed text to moderation. It must not block.
type Screener interface {
	Screen(sess *session.Session, scope, text string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTracker mirrors state transitions, typically into Redis.
func WithTracker(t Tracker) Option { return func(m *Manager) { m.tracker = t } }

// WithLimiter throttles joins and messages.
func WithLimiter(l Limiter) Option { return func(m *Manager) { m.limiter = l } }

// WithReporter receives abuse reports.
func WithReporter(r Reporter) Option { return func(m *Manager) { m.reporter = r } }

// WithScreener receives relayed text for moderation.
func WithScreener(s Screener) Option { return func(m *Manager) { m.screener = s } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithStrictInvariants makes queue/registry invariant violations panic
// instead of being repaired.
func WithStrictInvariants(strict bool) Option { return func(m *Manager) { m.strict = strict } }

// Manager is the RandomChatSessionManager.
type Manager struct {
	mu          sync.Mutex
	queue       *matching.Queue
	registry    *matching.Registry
	transcripts *chat.Transcripts

	sessions *session.Table
	emitter  event.Emitter
	profiles profile.Resolver

	tracker  Tracker
	limiter  Limiter
	reporter Reporter
	screener Screener
	strict   bool
	now      func() time.Time
}

// NewManager creates a manager over the shared session table.
func NewManager(sessions *session.Table, emitter event.Emitter, profiles profile.Resolver, opts ...Option) *Manager {
	m := &Manager{
		queue:       matching.NewQueue(),
		registry:    matching.NewRegistry(),
		transcripts: chat.NewTranscripts(),
		sessions:    sessions,
		emitter:     emitter,
		profiles:    profiles,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// outbox queues events and mirror updates produced under the lock.
type outbox struct {
	event.Outbox
	moves []move
}

type move struct {
	connID    string
	state     session.State
	partnerID string
}

func (o *outbox) track(s *session.Session) {
	o.moves = append(o.moves, move{connID: s.ID, state: s.State, partnerID: s.PartnerID})
}

func (m *Manager) flush(ctx context.Context, out *outbox) {
	out.Flush(m.emitter)
	if m.tracker == nil {
		return
	}
	for _, mv := range out.moves {
		if err := m.tracker.Track(ctx, mv.connID, mv.state, mv.partnerID); err != nil {
			log.Printf("[random] mirror conn=%s state=%s: %v", mv.connID, mv.state, err)
		}
	}
}

func (m *Manager) fail(connID, code, detail string) {
	if err := m.emitter.Emit(connID, protocol.TypeRandomError, protocol.ErrorMsg{Error: code, Message: detail}); err != nil {
		log.Printf("[random] emit error to %s: %v", connID, err)
	}
}

func (m *Manager) allow(ctx context.Context, connID string, rule ratelimit.Rule) bool {
	if m.limiter == nil {
		return true
	}
	ok, err := m.limiter.Allow(ctx, connID, rule)
	if err != nil {
		return true
	}
	return ok
}

// JoinRandom puts an idle connection into matching. It is a no-op for a
// connection that is already searching or matched.
func (m *Manager) JoinRandom(ctx context.Context, connID string) {
	sess, ok := m.sessions.Get(connID)
	if !ok {
		return
	}

	m.mu.Lock()
	state, cached := sess.State, sess.Profile
	m.mu.Unlock()
	if state != session.StateIdle {
		return
	}
	if !m.allow(ctx, connID, ratelimit.RuleJoin) {
		m.fail(connID, protocol.CodeRateLimited, "too many match requests")
		return
	}

	if cached == nil {
		p, err := m.profiles.Resolve(ctx, sess.UserID)
		if err != nil {
			log.Printf("[random] join conn=%s user=%s: profile unavailable: %v", connID, sess.UserID, err)
			return
		}
		pub := p.Public()
		cached = &pub
	}

	var out outbox
	m.mu.Lock()
	// A disconnect or a duplicate join may have landed while resolving.
	if !m.sessions.Live(sess) || sess.State != session.StateIdle {
		m.mu.Unlock()
		return
	}
	sess.Profile = cached
	m.matchLocked(sess, &out)
	m.mu.Unlock()

	m.flush(ctx, &out)
}

// Next ends the current match, if any, and searches again.
func (m *Manager) Next(ctx context.Context, connID string) {
	state, ok := m.StateOf(connID)
	if !ok {
		return
	}
	if state == session.StateIdle {
		m.JoinRandom(ctx, connID)
		return
	}
	if state == session.StateMatched && !m.allow(ctx, connID, ratelimit.RuleJoin) {
		m.fail(connID, protocol.CodeRateLimited, "too many match requests")
		return
	}

	sess, ok := m.sessions.Get(connID)
	if !ok {
		return
	}
	var (
		out    outbox
		rejoin bool
	)
	m.mu.Lock()
	switch sess.State {
	case session.StateIdle:
		// The partner ended the match first.
		rejoin = true
	case session.StateSearching:
		out.Add(sess.ID, protocol.TypeWaiting, protocol.Empty{})
	case session.StateMatched:
		m.teardownLocked(sess, protocol.TypeEnded, &out)
		m.matchLocked(sess, &out)
	}
	m.mu.Unlock()

	m.flush(ctx, &out)
	if rejoin {
		m.JoinRandom(ctx, connID)
	}
}

// matchLocked pairs sess with the oldest eligible searcher or queues it.
// sess must be Idle with a resolved profile.
func (m *Manager) matchLocked(sess *session.Session, out *outbox) {
	if m.queue.ContainsUser(sess.UserID) {
		out.Add(sess.ID, protocol.TypeRandomError, protocol.ErrorMsg{
			Error:   protocol.CodeAlreadySearching,
			Message: "another connection of this account is already searching",
		})
		return
	}

	var (
		partner *session.Session
		stale   []string
	)
	entry, found := m.queue.PopFirst(func(e matching.QueueEntry) bool {
		if e.UserID == sess.UserID {
			return false
		}
		cand, ok := m.sessions.Get(e.ConnID)
		if !ok {
			// Leaving; its Disconnect removes the entry.
			return false
		}
		if cand.State != session.StateSearching {
			stale = append(stale, e.ConnID)
			return false
		}
		if cand.Profile == nil {
			return false
		}
		partner = cand
		return true
	})
	for _, id := range stale {
		m.violationLocked(id, "queued connection is not searching", out)
	}

	now := m.now()
	if !found {
		if err := m.queue.Push(matching.QueueEntry{ConnID: sess.ID, UserID: sess.UserID, EnqueuedAt: now}); err != nil {
			m.violationLocked(sess.ID, err.Error(), out)
			return
		}
		sess.State = session.StateSearching
		out.Add(sess.ID, protocol.TypeWaiting, protocol.Empty{})
		out.track(sess)
		m.checkLocked(out, sess.ID)
		m.gaugesLocked()
		return
	}

	matchID := uuid.NewString()
	if err := m.registry.Pair(sess.ID, partner.ID, matchID, now); err != nil {
		m.violationLocked(partner.ID, err.Error(), out)
		m.violationLocked(sess.ID, err.Error(), out)
		return
	}

	sess.State, sess.PartnerID, sess.MatchID = session.StateMatched, partner.ID, matchID
	partner.State, partner.PartnerID, partner.MatchID = session.StateMatched, sess.ID, matchID

	metrics.MatchWait.Observe(now.Sub(entry.EnqueuedAt).Seconds())
	log.Printf("[random] matched match=%s %s(%s) <-> %s(%s)", matchID, sess.ID, sess.UserID, partner.ID, partner.UserID)

	out.Add(sess.ID, protocol.TypeMatched, protocol.MatchedMsg{PartnerID: partner.UserID, PartnerProfile: partner.Profile})
	out.Add(partner.ID, protocol.TypeMatched, protocol.MatchedMsg{PartnerID: sess.UserID, PartnerProfile: sess.Profile})
	out.track(sess)
	out.track(partner)

	m.checkLocked(out, sess.ID, partner.ID)
	m.gaugesLocked()
}

// teardownLocked dissolves the pair of sess, notifies the partner with
// partnerEvent and leaves both sides Idle.
func (m *Manager) teardownLocked(sess *session.Session, partnerEvent string, out *outbox) {
	pair, ok := m.registry.Unpair(sess.ID)
	if ok {
		m.transcripts.Drop(pair.MatchID)
		// The partner may already be out of the table if it is disconnecting
		// concurrently; its own Disconnect then finds no pair.
		if partner, live := m.sessions.Get(pair.PartnerID); live && partner.PartnerID == sess.ID {
			resetLocked(partner)
			out.Add(partner.ID, partnerEvent, protocol.Empty{})
			out.track(partner)
		}
		log.Printf("[random] ended match=%s by=%s reason=%s", pair.MatchID, sess.ID, partnerEvent)
	}
	resetLocked(sess)
	out.track(sess)
	m.gaugesLocked()
}

func resetLocked(s *session.Session) {
	s.State, s.PartnerID, s.MatchID = session.StateIdle, "", ""
}

// Message relays text to the partner of a matched connection.
func (m *Manager) Message(ctx context.Context, connID, text string) {
	sess, ok := m.sessions.Get(connID)
	if !ok {
		return
	}
	if err := chat.ValidateMessage(text); err != nil {
		metrics.Messages.WithLabelValues(moderation.ScopeRandom, "rejected").Inc()
		m.fail(connID, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if !m.allow(ctx, connID, ratelimit.RuleRandomMessage) {
		metrics.Messages.WithLabelValues(moderation.ScopeRandom, "rejected").Inc()
		m.fail(connID, protocol.CodeRateLimited, "slow down")
		return
	}

	m.mu.Lock()
	if sess.State != session.StateMatched {
		m.mu.Unlock()
		m.fail(connID, protocol.CodeNotConnected, "not matched with anyone")
		return
	}
	pair, ok := m.registry.Partner(sess.ID)
	if !ok {
		var out outbox
		m.violationLocked(sess.ID, "matched session missing from registry", &out)
		m.mu.Unlock()
		m.flush(ctx, &out)
		return
	}
	now := m.now()
	m.transcripts.Append(pair.MatchID, chat.Line{From: sess.UserID, Text: text, At: now})
	m.mu.Unlock()

	err := m.emitter.Emit(pair.PartnerID, protocol.TypeRandomMessage, protocol.ServerRandomMessage{
		Message:   text,
		From:      sess.UserID,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		log.Printf("[random] relay match=%s to %s: %v", pair.MatchID, pair.PartnerID, err)
		return
	}
	metrics.Messages.WithLabelValues(moderation.ScopeRandom, "relayed").Inc()

	if m.screener != nil {
		m.screener.Screen(sess, moderation.ScopeRandom, text)
	}
}

// Report ends the match of connID and files an abuse report against the
// partner with the recent transcript.
func (m *Manager) Report(ctx context.Context, connID, reason string) {
	sess, ok := m.sessions.Get(connID)
	if !ok {
		return
	}

	var out outbox
	m.mu.Lock()
	if sess.State != session.StateMatched {
		m.mu.Unlock()
		m.fail(connID, protocol.CodeNotConnected, "not matched with anyone")
		return
	}
	pair, ok := m.registry.Partner(sess.ID)
	if !ok {
		m.violationLocked(sess.ID, "matched session missing from registry", &out)
		m.mu.Unlock()
		m.flush(ctx, &out)
		return
	}
	r := &report.Report{
		ReporterUserID: sess.UserID,
		MatchID:        pair.MatchID,
		Reason:         reason,
		Transcript:     m.transcripts.Snapshot(pair.MatchID),
	}
	if partner, live := m.sessions.Get(pair.PartnerID); live {
		r.ReportedUserID = partner.UserID
	}
	m.teardownLocked(sess, protocol.TypeEnded, &out)
	out.Add(sess.ID, protocol.TypeReported, protocol.Empty{})
	m.mu.Unlock()

	m.flush(ctx, &out)

	if m.reporter == nil || r.ReportedUserID == "" {
		return
	}
	if err := m.reporter.File(ctx, r); err != nil {
		log.Printf("[random] report match=%s by=%s: %v", r.MatchID, r.ReporterUserID, err)
	}
}

// Disconnect removes a closing connection from matching. The session has
// already been removed from the table.
func (m *Manager) Disconnect(ctx context.Context, sess *session.Session) {
	var out outbox
	m.mu.Lock()
	switch sess.State {
	case session.StateMatched:
		m.teardownLocked(sess, protocol.TypePartnerGone, &out)
	case session.StateSearching:
		m.queue.Remove(sess.ID)
		resetLocked(sess)
		m.gaugesLocked()
	}
	m.mu.Unlock()

	// The departing connection is gone; only deliver to the others.
	var rest outbox
	for _, ev := range out.Events() {
		if ev.ConnID != sess.ID {
			rest.Add(ev.ConnID, ev.Type, ev.Payload)
		}
	}
	for _, mv := range out.moves {
		if mv.connID != sess.ID {
			rest.moves = append(rest.moves, mv)
		}
	}
	m.flush(ctx, &rest)
}

// checkLocked verifies that each connection is in at most one of queue and
// registry and that its pair, if any, is symmetric.
func (m *Manager) checkLocked(out *outbox, connIDs ...string) {
	for _, id := range connIDs {
		_, paired := m.registry.Partner(id)
		switch {
		case paired && m.queue.Contains(id):
			m.violationLocked(id, "connection both queued and paired", out)
		case !m.registry.Symmetric(id):
			m.violationLocked(id, "asymmetric pair", out)
		}
	}
}

// violationLocked handles a broken queue/registry invariant around connID.
// In strict mode it panics. Otherwise it drops the offending pairing and
// re-queues every live side.
func (m *Manager) violationLocked(connID, what string, out *outbox) {
	msg := fmt.Sprintf("randomchat: invariant violated for conn %s: %s", connID, what)
	if m.strict {
		panic(msg)
	}
	log.Printf("[random] %s (recovering)", msg)

	affected := []string{connID}
	if p, ok := m.registry.Partner(connID); ok {
		affected = append(affected, p.PartnerID)
	}
	for _, id := range affected {
		if p, ok := m.registry.Unpair(id); ok {
			m.transcripts.Drop(p.MatchID)
		}
		m.queue.Remove(id)
	}

	now := m.now()
	for _, id := range affected {
		s, ok := m.sessions.Get(id)
		if !ok {
			continue
		}
		resetLocked(s)
		if s.Profile == nil || m.queue.ContainsUser(s.UserID) {
			out.track(s)
			continue
		}
		if err := m.queue.Push(matching.QueueEntry{ConnID: s.ID, UserID: s.UserID, EnqueuedAt: now}); err != nil {
			out.track(s)
			continue
		}
		s.State = session.StateSearching
		out.Add(s.ID, protocol.TypeWaiting, protocol.Empty{})
		out.track(s)
	}
	m.gaugesLocked()
}

func (m *Manager) gaugesLocked() {
	metrics.QueueSize.Set(float64(m.queue.Len()))
	metrics.ActivePairs.Set(float64(m.registry.Pairs()))
}

// Stats reports the queue length and the number of active pairs.
func (m *Manager) Stats() (queued, pairs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len(), m.registry.Pairs()
}

// StateOf returns the random chat state of connID.
func (m *Manager) StateOf(connID string) (session.State, bool) {
	sess, ok := m.sessions.Get(connID)
	if !ok {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sess.State, true
}
