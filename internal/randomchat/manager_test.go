package randomchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whisper/relay/internal/event"
	"github.com/whisper/relay/internal/matching"
	"github.com/whisper/relay/internal/profile"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/report"
	"github.com/whisper/relay/internal/session"
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	table    *session.Table
	rec      *event.Recorder
	profiles *profile.StaticResolver
	m        *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		table:    session.NewTable(),
		rec:      event.NewRecorder(),
		profiles: profile.NewStaticResolver(),
	}
	opts = append([]Option{WithStrictInvariants(true)}, opts...)
	f.m = NewManager(f.table, f.rec, f.profiles, opts...)
	return f
}

// connect admits connID for userID and gives the identity a profile.
func (f *fixture) connect(connID, userID string) *session.Session {
	f.profiles.Put(&profile.Profile{
		UserID:   userID,
		Name:     "name-" + userID,
		Location: "Lisbon",
		Email:    userID + "@example.com",
	})
	return f.connectNoProfile(connID, userID)
}

func (f *fixture) connectNoProfile(connID, userID string) *session.Session {
	s := session.New(connID, userID, time.Now())
	f.table.Add(s)
	return s
}

func (f *fixture) disconnect(connID string) {
	s, _ := f.table.Remove(connID)
	require.NotNil(f.t, s)
	f.m.Disconnect(f.ctx, s)
}

func (f *fixture) state(connID string) session.State {
	st, ok := f.m.StateOf(connID)
	require.True(f.t, ok, "unknown connection %s", connID)
	return st
}

func (f *fixture) assertInvariants() {
	f.t.Helper()
	f.m.mu.Lock()
	defer f.m.mu.Unlock()

	seen := map[string]bool{}
	for _, e := range f.m.queue.Entries() {
		require.False(f.t, seen[e.UserID], "identity %s queued twice", e.UserID)
		seen[e.UserID] = true
		_, paired := f.m.registry.Partner(e.ConnID)
		require.False(f.t, paired, "conn %s both queued and paired", e.ConnID)
	}
	for _, id := range f.table.All() {
		require.True(f.t, f.m.registry.Symmetric(id), "asymmetric pair at %s", id)
		s, _ := f.table.Get(id)
		switch s.State {
		case session.StateMatched:
			p, ok := f.m.registry.Partner(id)
			require.True(f.t, ok, "matched %s not in registry", id)
			require.Equal(f.t, p.PartnerID, s.PartnerID)
			require.NotEqual(f.t, id, p.PartnerID)
		case session.StateSearching:
			require.True(f.t, f.m.queue.Contains(id), "searching %s not queued", id)
		case session.StateIdle:
			require.False(f.t, f.m.queue.Contains(id))
			_, paired := f.m.registry.Partner(id)
			require.False(f.t, paired)
		}
	}
}

func TestImmediateMatch(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")

	f.m.JoinRandom(f.ctx, "c1")
	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c1"))
	assert.Equal(t, session.StateSearching, f.state("c1"))

	f.m.JoinRandom(f.ctx, "c2")

	ev, ok := f.rec.Last("c1", protocol.TypeMatched)
	require.True(t, ok)
	m1 := ev.Payload.(protocol.MatchedMsg)
	assert.Equal(t, "u2", m1.PartnerID)
	assert.Equal(t, "name-u2", m1.PartnerProfile.Name)

	ev, ok = f.rec.Last("c2", protocol.TypeMatched)
	require.True(t, ok)
	assert.Equal(t, "u1", ev.Payload.(protocol.MatchedMsg).PartnerID)
	assert.Equal(t, []string{protocol.TypeMatched}, f.rec.Types("c2"))

	queued, pairs := f.m.Stats()
	assert.Equal(t, 0, queued)
	assert.Equal(t, 1, pairs)
	assert.Equal(t, 2, f.m.registry.Len())

	p, _ := f.m.registry.Partner("c2")
	assert.Equal(t, "c1", p.PartnerID)
	f.assertInvariants()
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")

	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c1")
	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c1"))

	f.m.JoinRandom(f.ctx, "c2")
	f.rec.Reset()
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	assert.Empty(t, f.rec.All())
	assert.Equal(t, session.StateMatched, f.state("c1"))
	f.assertInvariants()
}

func TestJoinWithoutProfileFailsSilently(t *testing.T) {
	f := newFixture(t)
	f.connectNoProfile("c1", "ghost")

	f.m.JoinRandom(f.ctx, "c1")

	assert.Empty(t, f.rec.All())
	assert.Equal(t, session.StateIdle, f.state("c1"))
	queued, _ := f.m.Stats()
	assert.Zero(t, queued)
}

func TestPublicProfileOnly(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")

	ev, _ := f.rec.Last("c2", protocol.TypeMatched)
	data, err := protocol.NewServerMessage(ev.Type, ev.Payload)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "@example.com")
}

func TestNextRequeuesWhenNobodyWaits(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.rec.Reset()

	f.m.Next(f.ctx, "c1")

	assert.Equal(t, []string{protocol.TypeEnded}, f.rec.Types("c2"))
	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c1"))
	assert.Equal(t, session.StateSearching, f.state("c1"))
	assert.Equal(t, session.StateIdle, f.state("c2"))
	assert.True(t, f.m.queue.Contains("c1"))
	assert.Zero(t, f.m.registry.Len())
	f.assertInvariants()
}

func TestNextRematchesWithWaitingPeer(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.connect("c3", "u3")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.m.JoinRandom(f.ctx, "c3")
	f.rec.Reset()

	f.m.Next(f.ctx, "c1")

	assert.Equal(t, []string{protocol.TypeEnded}, f.rec.Types("c2"))
	ev, ok := f.rec.Last("c1", protocol.TypeMatched)
	require.True(t, ok)
	assert.Equal(t, "u3", ev.Payload.(protocol.MatchedMsg).PartnerID)
	ev, ok = f.rec.Last("c3", protocol.TypeMatched)
	require.True(t, ok)
	assert.Equal(t, "u1", ev.Payload.(protocol.MatchedMsg).PartnerID)
	f.assertInvariants()
}

func TestNextWhileSearchingKeepsWaiting(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.m.JoinRandom(f.ctx, "c1")
	f.rec.Reset()

	f.m.Next(f.ctx, "c1")

	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c1"))
	queued, _ := f.m.Stats()
	assert.Equal(t, 1, queued)
	f.assertInvariants()
}

func TestNextWhileIdleJoins(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")

	f.m.Next(f.ctx, "c1")

	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c1"))
	assert.Equal(t, session.StateSearching, f.state("c1"))
}

func TestDisconnectWhileSearching(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.rec.Reset()

	f.disconnect("c1")

	queued, pairs := f.m.Stats()
	assert.Zero(t, queued)
	assert.Zero(t, pairs)
	assert.Empty(t, f.rec.All())

	// A later searcher waits instead of matching the departed connection.
	f.m.JoinRandom(f.ctx, "c2")
	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c2"))
	f.assertInvariants()
}

func TestDisconnectWhileMatched(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.rec.Reset()

	f.disconnect("c1")

	assert.Equal(t, []string{protocol.TypePartnerGone}, f.rec.Types("c2"))
	assert.Empty(t, f.rec.For("c1"))
	assert.Equal(t, session.StateIdle, f.state("c2"))
	assert.Zero(t, f.m.registry.Len())
	f.assertInvariants()
}

func TestBothSidesDisconnect(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.rec.Reset()

	s1, _ := f.table.Remove("c1")
	s2, _ := f.table.Remove("c2")
	f.m.Disconnect(f.ctx, s1)
	f.m.Disconnect(f.ctx, s2)

	assert.Empty(t, f.rec.All())
	assert.Zero(t, f.m.registry.Len())
}

func TestMessageWhileUnmatchedFails(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")

	f.m.Message(f.ctx, "c1", "hello?")

	ev, ok := f.rec.Last("c1", protocol.TypeRandomError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNotConnected, ev.Payload.(protocol.ErrorMsg).Error)
	assert.Len(t, f.rec.All(), 1)
	assert.Equal(t, session.StateIdle, f.state("c1"))
}

func TestMessageWhileSearchingFails(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.m.JoinRandom(f.ctx, "c1")
	f.rec.Reset()

	f.m.Message(f.ctx, "c1", "anyone?")

	assert.Equal(t, []string{protocol.TypeRandomError}, f.rec.Types("c1"))
	assert.Equal(t, session.StateSearching, f.state("c1"))
}

func TestMessageRelay(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	screener := &recordingScreener{}
	f := newFixture(t, WithClock(func() time.Time { return now }), WithScreener(screener))
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.rec.Reset()

	f.m.Message(f.ctx, "c1", "hi there")

	assert.Empty(t, f.rec.For("c1"))
	ev, ok := f.rec.Last("c2", protocol.TypeRandomMessage)
	require.True(t, ok)
	msg := ev.Payload.(protocol.ServerRandomMessage)
	assert.Equal(t, "hi there", msg.Message)
	assert.Equal(t, "u1", msg.From)
	assert.Equal(t, now.UnixMilli(), msg.Timestamp)

	p, _ := f.m.registry.Partner("c1")
	lines := f.m.transcripts.Snapshot(p.MatchID)
	require.Len(t, lines, 1)
	assert.Equal(t, "u1", lines[0].From)

	require.Len(t, screener.texts(), 1)
	assert.Equal(t, "hi there", screener.texts()[0])
}

func TestMessageInvalidText(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.rec.Reset()

	f.m.Message(f.ctx, "c1", "")

	ev, ok := f.rec.Last("c1", protocol.TypeRandomError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidMessage, ev.Payload.(protocol.ErrorMsg).Error)
	assert.Empty(t, f.rec.For("c2"))
}

func TestTranscriptDroppedOnTeardown(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.m.Message(f.ctx, "c1", "hello")
	require.Equal(t, 1, f.m.transcripts.Len())

	f.m.Next(f.ctx, "c2")
	assert.Zero(t, f.m.transcripts.Len())
}

func TestSecondConnectionOfQueuedIdentity(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c1b", "u1")

	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c1b")

	ev, ok := f.rec.Last("c1b", protocol.TypeRandomError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeAlreadySearching, ev.Payload.(protocol.ErrorMsg).Error)
	assert.Equal(t, session.StateIdle, f.state("c1b"))
	assert.Empty(t, f.rec.For("c1")[1:])
	f.assertInvariants()
}

func TestSameIdentityIsNeverPaired(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c1b", "u1")
	f.connect("c2", "u2")

	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.m.JoinRandom(f.ctx, "c1b")

	ev, _ := f.rec.Last("c1", protocol.TypeMatched)
	assert.Equal(t, "u2", ev.Payload.(protocol.MatchedMsg).PartnerID)
	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c1b"))
	f.assertInvariants()
}

// gatedResolver blocks Resolve until the gate is closed.
type gatedResolver struct {
	profile.Resolver
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedResolver) Resolve(ctx context.Context, userID string) (*profile.Profile, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.Resolver.Resolve(ctx, userID)
}

func TestDisconnectCancelsInFlightJoin(t *testing.T) {
	f := newFixture(t)
	gated := &gatedResolver{Resolver: f.profiles, entered: make(chan struct{}), gate: make(chan struct{})}
	f.m = NewManager(f.table, f.rec, gated, WithStrictInvariants(true))
	f.connect("c1", "u1")

	done := make(chan struct{})
	go func() {
		f.m.JoinRandom(f.ctx, "c1")
		close(done)
	}()
	<-gated.entered
	f.disconnect("c1")
	close(gated.gate)
	<-done

	queued, _ := f.m.Stats()
	assert.Zero(t, queued)
	assert.Empty(t, f.rec.All())
}

func TestDuplicateJoinDuringResolveMatchesOnce(t *testing.T) {
	f := newFixture(t)
	gated := &gatedResolver{Resolver: f.profiles, entered: make(chan struct{}, 2), gate: make(chan struct{})}
	f.m = NewManager(f.table, f.rec, gated, WithStrictInvariants(true))
	f.connect("c1", "u1")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.m.JoinRandom(f.ctx, "c1")
		}()
	}
	<-gated.entered
	<-gated.entered
	close(gated.gate)
	wg.Wait()

	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c1"))
	f.assertInvariants()
}

func TestConcurrentJoinNextDisconnect(t *testing.T) {
	f := newFixture(t)
	const n = 60
	for i := 0; i < n; i++ {
		f.connect(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			f.m.JoinRandom(f.ctx, id)
			switch i % 4 {
			case 1:
				f.m.Next(f.ctx, id)
			case 2:
				f.m.Message(f.ctx, id, "hey")
			case 3:
				if s, _ := f.table.Remove(id); s != nil {
					f.m.Disconnect(f.ctx, s)
				}
			}
		}(i)
	}
	wg.Wait()

	f.assertInvariants()
	queued, _ := f.m.Stats()
	assert.LessOrEqual(t, queued, 1, "two searchers left waiting for each other")
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []*report.Report
}

func (r *recordingReporter) File(_ context.Context, rep *report.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

type recordingScreener struct {
	mu  sync.Mutex
	got []string
}

func (s *recordingScreener) Screen(_ *session.Session, _ string, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, text)
}

func (s *recordingScreener) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func TestReport(t *testing.T) {
	rep := &recordingReporter{}
	f := newFixture(t, WithReporter(rep))
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.m.Message(f.ctx, "c2", "rude words")
	f.rec.Reset()

	f.m.Report(f.ctx, "c1", "harassment")

	assert.Equal(t, []string{protocol.TypeReported}, f.rec.Types("c1"))
	assert.Equal(t, []string{protocol.TypeEnded}, f.rec.Types("c2"))
	assert.Equal(t, session.StateIdle, f.state("c1"))
	assert.Equal(t, session.StateIdle, f.state("c2"))

	require.Len(t, rep.reports, 1)
	r := rep.reports[0]
	assert.Equal(t, "u1", r.ReporterUserID)
	assert.Equal(t, "u2", r.ReportedUserID)
	assert.Equal(t, "harassment", r.Reason)
	require.Len(t, r.Transcript, 1)
	assert.Equal(t, "rude words", r.Transcript[0].Text)
	f.assertInvariants()
}

func TestReportWhileUnmatched(t *testing.T) {
	rep := &recordingReporter{}
	f := newFixture(t, WithReporter(rep))
	f.connect("c1", "u1")

	f.m.Report(f.ctx, "c1", "spam")

	ev, ok := f.rec.Last("c1", protocol.TypeRandomError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNotConnected, ev.Payload.(protocol.ErrorMsg).Error)
	assert.Empty(t, rep.reports)
}

type denyLimiter struct{ rule string }

func (d denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return rule.Key != d.rule, nil
}

func TestRateLimitedMessage(t *testing.T) {
	f := newFixture(t, WithLimiter(denyLimiter{rule: ratelimit.RuleRandomMessage.Key}))
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.rec.Reset()

	f.m.Message(f.ctx, "c1", "spam spam")

	ev, ok := f.rec.Last("c1", protocol.TypeRandomError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeRateLimited, ev.Payload.(protocol.ErrorMsg).Error)
	assert.Empty(t, f.rec.For("c2"))
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return false, errors.New("redis down")
}

func TestLimiterFailsOpen(t *testing.T) {
	f := newFixture(t, WithLimiter(failingLimiter{}))
	f.connect("c1", "u1")

	f.m.JoinRandom(f.ctx, "c1")

	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c1"))
}

type recordingTracker struct {
	mu    sync.Mutex
	moves []string
}

func (r *recordingTracker) Track(_ context.Context, connID string, state session.State, partnerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moves = append(r.moves, connID+":"+string(state)+":"+partnerID)
	return nil
}

func TestTrackerMirrorsTransitions(t *testing.T) {
	tr := &recordingTracker{}
	f := newFixture(t, WithTracker(tr))
	f.connect("c1", "u1")
	f.connect("c2", "u2")

	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.disconnect("c2")

	assert.Equal(t, []string{
		"c1:searching:",
		"c2:matched:c1",
		"c1:matched:c2",
		"c1:idle:",
	}, tr.moves)
}

func TestInvariantViolationPanicsInStrictMode(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")

	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	require.NoError(t, f.m.queue.Push(matching.QueueEntry{ConnID: "c1", UserID: "u1"}))
	assert.Panics(t, func() {
		var out outbox
		f.m.checkLocked(&out, "c1")
	})
}

func TestInvariantViolationRecovers(t *testing.T) {
	f := newFixture(t, WithStrictInvariants(false))
	f.connect("c1", "u1")
	f.connect("c2", "u2")
	f.m.JoinRandom(f.ctx, "c1")
	f.m.JoinRandom(f.ctx, "c2")
	f.rec.Reset()

	var out outbox
	f.m.mu.Lock()
	require.NoError(t, f.m.queue.Push(matching.QueueEntry{ConnID: "c1", UserID: "u1"}))
	f.m.checkLocked(&out, "c1")
	f.m.mu.Unlock()
	f.m.flush(f.ctx, &out)

	assert.Zero(t, f.m.registry.Len())
	assert.Equal(t, session.StateSearching, f.state("c1"))
	assert.Equal(t, session.StateSearching, f.state("c2"))
	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c1"))
	assert.Equal(t, []string{protocol.TypeWaiting}, f.rec.Types("c2"))
	f.assertInvariants()
}
