package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/ban"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/privatechat"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/randomchat"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/report"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/ws"
)

// storeTimeout bounds the Redis and Postgres calls made outside a frame
// handler (admission, connect, disconnect, verdicts).
const storeTimeout = 3 * time.Second

type banStore interface {
	Check(ctx context.Context, userID string) (ban.Status, error)
	Escalate(ctx context.Context, userID, reason string) (time.Duration, error)
	ReportAndCheck(ctx context.Context, userID string) (bool, time.Duration, error)
}

type reportStore interface {
	Create(ctx context.Context, r *report.Report) error
}

type limiter interface {
	Allow(ctx context.Context, id string, rule ratelimit.Rule) (bool, error)
}

type checkPublisher interface {
	RequestCheck(req moderation.Request) error
}

// transport is the part of ws.Server the app drives.
type transport interface {
	Emit(connID, msgType string, payload interface{}) error
	Kick(connID string) bool
}

type mirror interface {
	Create(ctx context.Context, sess *session.Session) error
	Delete(ctx context.Context, connID string) error
}

// app wires the transport hooks to the chat managers and moderation.
type app struct {
	serverName string
	auth       auth.Authenticator
	bans       banStore
	reports    reportStore
	limiter    limiter
	checks     checkPublisher
	mirror     mirror

	sessions *session.Table
	random   *randomchat.Manager
	private  *privatechat.Manager
	server   transport
}

func (a *app) hooks(d *ws.MessageDispatcher) ws.Hooks {
	return ws.Hooks{
		Admit:        a.admit,
		OnConnect:    a.onConnect,
		OnMessage:    d.Dispatch,
		OnDisconnect: a.onDisconnect,
	}
}

// admit throttles by client IP, authenticates, then refuses banned
// identities. A failing ban lookup admits.
func (a *app) admit(r *http.Request) (ws.Admission, error) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	ip := clientIP(r)
	if a.limiter != nil {
		ok, err := a.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		if err == nil && !ok {
			return ws.Admission{}, &ws.RejectError{Status: http.StatusTooManyRequests, Reason: "too many connection attempts"}
		}
	}

	userID, err := a.auth.ResolveIdentity(ctx, auth.CredentialFromRequest(r))
	if err != nil {
		return ws.Admission{}, &ws.RejectError{Status: http.StatusUnauthorized, Reason: "unauthenticated"}
	}

	st, err := a.bans.Check(ctx, userID)
	if err != nil {
		log.Printf("[admit] ban check user=%s: %v", userID, err)
	} else if st.Banned {
		return ws.Admission{}, &ws.RejectError{
			Status: http.StatusForbidden,
			Reason: fmt.Sprintf("banned for %ds: %s", int(st.Remaining.Seconds()), st.Reason),
		}
	}

	return ws.Admission{UserID: userID, RemoteIP: ip}, nil
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *app) onConnect(c *ws.Connection) {
	sess := session.New(c.ID, c.UserID, c.CreatedAt)
	first := a.sessions.Add(sess)

	if a.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := a.mirror.Create(ctx, sess); err != nil {
			log.Printf("[connect] mirror conn=%s: %v", c.ID, err)
		}
		cancel()
	}
	if first {
		a.private.AnnounceOnline(c.UserID)
	}
}

// onDisconnect runs the cleanup in a fixed order: table, random chat,
// private chat, presence, mirror.
func (a *app) onDisconnect(c *ws.Connection) {
	sess, last := a.sessions.Remove(c.ID)
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	a.random.Disconnect(ctx, sess)
	a.private.Disconnect(ctx, sess)
	if last {
		a.private.AnnounceOffline(sess.UserID)
	}
	if a.mirror != nil {
		if err := a.mirror.Delete(ctx, c.ID); err != nil {
			log.Printf("[disconnect] mirror conn=%s: %v", c.ID, err)
		}
	}
}

// File implements randomchat.Reporter: persist the report, count it against
// the reported identity and ban at the threshold.
func (a *app) File(ctx context.Context, r *report.Report) error {
	if err := a.reports.Create(ctx, r); err != nil {
		return err
	}
	banned, d, err := a.bans.ReportAndCheck(ctx, r.ReportedUserID)
	if err != nil {
		return fmt.Errorf("count report: %w", err)
	}
	log.Printf("[report] user=%s reported by=%s reason=%s banned=%v", r.ReportedUserID, r.ReporterUserID, r.Reason, banned)
	if banned {
		a.evict(r.ReportedUserID, d, ban.ReasonMultipleReports)
	}
	return nil
}

// Screen implements the managers' Screener by publishing a check request.
func (a *app) Screen(sess *session.Session, scope, text string) {
	if a.checks == nil {
		return
	}
	err := a.checks.RequestCheck(moderation.Request{
		Server: a.serverName,
		ConnID: sess.ID,
		UserID: sess.UserID,
		Scope:  scope,
		Text:   text,
		Ts:     time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[moderation] request check conn=%s: %v", sess.ID, err)
	}
}

// onVerdict escalates the ban ladder for flagged text and evicts the
// identity's connections on this server.
func (a *app) onVerdict(v moderation.Verdict) {
	metrics.Moderation.WithLabelValues(v.Reason).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	d, err := a.bans.Escalate(ctx, v.UserID, v.Reason)
	if err != nil {
		log.Printf("[moderation] escalate user=%s: %v", v.UserID, err)
		return
	}
	log.Printf("[moderation] user=%s flagged reason=%s term=%q ban=%s", v.UserID, v.Reason, v.Term, d)
	a.evict(v.UserID, d, v.Reason)
}

func (a *app) evict(userID string, d time.Duration, reason string) {
	for _, connID := range a.sessions.ConnectionsOf(userID) {
		if err := a.server.Emit(connID, protocol.TypeBanned, protocol.BannedMsg{
			Duration: int(d.Seconds()),
			Reason:   reason,
		}); err != nil {
			log.Printf("[ban] notify conn=%s: %v", connID, err)
		}
		a.server.Kick(connID)
	}
}

func (a *app) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinRandom, func(ctx context.Context, c *ws.Connection, _ interface{}) {
		a.random.JoinRandom(ctx, c.ID)
	})
	d.Register(protocol.TypeRandomNext, func(ctx context.Context, c *ws.Connection, _ interface{}) {
		a.random.Next(ctx, c.ID)
	})
	d.Register(protocol.TypeRandomMessage, func(ctx context.Context, c *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.RandomMessageMsg)
		if !ok {
			return
		}
		a.random.Message(ctx, c.ID, m.Message)
	})
	d.Register(protocol.TypeRandomReport, func(ctx context.Context, c *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ReportMsg)
		if !ok {
			return
		}
		a.random.Report(ctx, c.ID, m.Reason)
	})

	d.Register(protocol.TypePrivateJoin, func(ctx context.Context, c *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.PrivateJoinMsg)
		if !ok {
			return
		}
		a.private.Join(ctx, c.ID, m.PartnerUserID)
	})
	d.Register(protocol.TypePrivateMessage, func(ctx context.Context, c *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.PrivateMessageMsg)
		if !ok {
			return
		}
		a.private.Message(ctx, c.ID, m.Message, m.MessageType)
	})
	d.Register(protocol.TypeTyping, func(ctx context.Context, c *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		a.private.Typing(ctx, c.ID, m.To)
	})
	d.Register(protocol.TypeStopTyping, func(ctx context.Context, c *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		a.private.StopTyping(ctx, c.ID, m.To)
	})
	d.Register(protocol.TypeReadMessage, func(ctx context.Context, c *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ReadMessageMsg)
		if !ok {
			return
		}
		a.private.ReadMessage(ctx, c.ID, m.ConversationID)
	})
}
