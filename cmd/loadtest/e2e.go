package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/wsclient"
)

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	if r.kind == resultPass {
		return "PASS"
	}
	return "FAIL"
}

func pass(name, detail string) scenarioResult { return scenarioResult{name, resultPass, detail} }

func failf(name, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name, resultFail, fmt.Sprintf(format, args...)}
}

// runE2E runs every scenario once against a quiet server and returns the
// process exit code.
func runE2E(args []string) int {
	var tgt target
	fs := flag.NewFlagSet("e2e", flag.ExitOnError)
	tgt.bind(fs)
	apiBase := fs.String("api", "", "HTTP base URL (derived from -url when empty)")
	timeout := fs.Duration("timeout", 60*time.Second, "Global test timeout")
	_ = fs.Parse(args)
	mustInit(&tgt)

	if *apiBase == "" {
		*apiBase = httpBase(tgt.url)
	}
	// Distinct identities per run so stale conversations do not interfere.
	tgt.prefix = fmt.Sprintf("%s-e2e-%d", tgt.prefix, time.Now().Unix())

	fmt.Println("=== Relay E2E Test ===")
	fmt.Printf("Server: %s\n\n", tgt.url)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := []scenarioResult{
		scenarioHealth(ctx, *apiBase),
		scenarioHandshake(ctx, &tgt),
		scenarioUnauthenticated(ctx, &tgt),
		scenarioUnsupportedType(ctx, &tgt),
		scenarioRandom(ctx, &tgt),
		scenarioPrivate(ctx, &tgt),
	}

	fmt.Println()
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()
	}
	passed := lo.CountBy(results, func(r scenarioResult) bool { return r.kind == resultPass })
	fmt.Printf("\n=== Results: %d/%d passed ===\n", passed, len(results))

	if passed != len(results) {
		return 1
	}
	return 0
}

// httpBase turns ws://host/ws into http://host.
func httpBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://localhost:8080"
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path, u.RawQuery = "", ""
	return u.String()
}

func httpGet(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

func scenarioHealth(ctx context.Context, apiBase string) scenarioResult {
	const name = "Health and metrics"
	if _, err := httpGet(ctx, apiBase+"/health"); err != nil {
		return failf(name, "/health: %v", err)
	}
	body, err := httpGet(ctx, apiBase+"/metrics")
	if err != nil {
		return failf(name, "/metrics: %v", err)
	}
	if !strings.Contains(string(body), "relay_connections") {
		return failf(name, "/metrics: missing relay_connections")
	}
	return pass(name, "")
}

func scenarioHandshake(ctx context.Context, tgt *target) scenarioResult {
	const name = "Connect and handshake"
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	want := tgt.userID("hs", 0)
	c, err := tgt.dial(connCtx, want, 0)
	if err != nil {
		return failf(name, "connect: %v", err)
	}
	defer c.Close()

	if c.SessionID() == "" {
		return failf(name, "empty session id")
	}
	if c.UserID() != want {
		return failf(name, "userId = %q, want %q", c.UserID(), want)
	}
	return pass(name, "session="+truncateID(c.SessionID()))
}

func scenarioUnauthenticated(ctx context.Context, tgt *target) scenarioResult {
	const name = "Unauthenticated upgrade rejected"
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := wsclient.Dial(connCtx, tgt.url, "")
	if err == nil {
		c.Close()
		return failf(name, "connection without a token was accepted")
	}
	return pass(name, "")
}

func scenarioUnsupportedType(ctx context.Context, tgt *target) scenarioResult {
	const name = "Unsupported event type"
	stepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := tgt.dial(stepCtx, tgt.userID("bogus", 0), 1)
	if err != nil {
		return failf(name, "connect: %v", err)
	}
	defer c.Close()

	if err := c.Send("no-such-event", nil); err != nil {
		return failf(name, "send: %v", err)
	}
	f, err := c.Expect(stepCtx, protocol.TypeError)
	if err != nil {
		return failf(name, "%v", err)
	}
	var e protocol.ErrorMsg
	if err := f.Decode(&e); err != nil || e.Error != protocol.CodeUnsupportedType {
		return failf(name, "error = %q, want %q", e.Error, protocol.CodeUnsupportedType)
	}
	return pass(name, "")
}

// scenarioRandom pairs two users, relays one message and moves on with next.
func scenarioRandom(ctx context.Context, tgt *target) scenarioResult {
	const name = "Random chat match, message and next"
	stepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a, err := tgt.dial(stepCtx, tgt.userID("ra", 0), 2)
	if err != nil {
		return failf(name, "connect A: %v", err)
	}
	defer a.Close()
	b, err := tgt.dial(stepCtx, tgt.userID("rb", 0), 3)
	if err != nil {
		return failf(name, "connect B: %v", err)
	}
	defer b.Close()

	start := time.Now()
	for _, c := range []*wsclient.Client{a, b} {
		if err := c.Send(protocol.TypeJoinRandom, nil); err != nil {
			return failf(name, "join-random: %v", err)
		}
	}
	for _, pair := range []struct {
		c       *wsclient.Client
		partner string
	}{{a, b.UserID()}, {b, a.UserID()}} {
		f, err := pair.c.Expect(stepCtx, protocol.TypeMatched)
		if err != nil {
			return failf(name, "%s: %v", pair.c.UserID(), err)
		}
		var m protocol.MatchedMsg
		if err := f.Decode(&m); err != nil {
			return failf(name, "decode matched: %v", err)
		}
		if m.PartnerID != pair.partner {
			return failf(name, "%s matched with %q, want %q", pair.c.UserID(), m.PartnerID, pair.partner)
		}
	}
	matchLatency := time.Since(start)

	if err := a.Send(protocol.TypeRandomMessage, protocol.RandomMessageMsg{Message: "hello stranger"}); err != nil {
		return failf(name, "send message: %v", err)
	}
	f, err := b.Expect(stepCtx, protocol.TypeRandomMessage)
	if err != nil {
		return failf(name, "B message: %v", err)
	}
	var msg protocol.ServerRandomMessage
	if err := f.Decode(&msg); err != nil || msg.Message != "hello stranger" || msg.From != a.UserID() {
		return failf(name, "B got %+v", msg)
	}

	if err := a.Send(protocol.TypeRandomNext, nil); err != nil {
		return failf(name, "next: %v", err)
	}
	if _, err := b.Expect(stepCtx, protocol.TypeEnded); err != nil {
		return failf(name, "B ended: %v", err)
	}
	if _, err := a.Expect(stepCtx, protocol.TypeWaiting); err != nil {
		return failf(name, "A waiting: %v", err)
	}
	return pass(name, fmt.Sprintf("match=%s", matchLatency.Round(time.Millisecond)))
}

// scenarioPrivate joins two users to one conversation, sends a message,
// signals typing and marks the message read.
func scenarioPrivate(ctx context.Context, tgt *target) scenarioResult {
	const name = "Private chat join, message, typing and read"
	stepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a, err := tgt.dial(stepCtx, tgt.userID("pa", 0), 4)
	if err != nil {
		return failf(name, "connect A: %v", err)
	}
	defer a.Close()
	b, err := tgt.dial(stepCtx, tgt.userID("pb", 0), 5)
	if err != nil {
		return failf(name, "connect B: %v", err)
	}
	defer b.Close()

	convs := map[string]string{}
	for _, side := range []struct {
		self, partner *wsclient.Client
	}{{a, b}, {b, a}} {
		if err := side.self.Send(protocol.TypePrivateJoin, protocol.PrivateJoinMsg{PartnerUserID: side.partner.UserID()}); err != nil {
			return failf(name, "join: %v", err)
		}
		f, err := side.self.Expect(stepCtx, protocol.TypePartnerJoined)
		if err != nil {
			return failf(name, "%s partner-joined: %v", side.self.UserID(), err)
		}
		var j protocol.PartnerJoinedMsg
		if err := f.Decode(&j); err != nil {
			return failf(name, "decode partner-joined: %v", err)
		}
		convs[side.self.UserID()] = j.ConversationID
	}
	conv := convs[a.UserID()]
	if conv == "" || conv != convs[b.UserID()] {
		return failf(name, "conversation ids differ: %v", convs)
	}

	if err := a.Send(protocol.TypePrivateMessage, protocol.PrivateMessageMsg{Message: "hi", MessageType: "text"}); err != nil {
		return failf(name, "send message: %v", err)
	}
	var ids []string
	for _, c := range []*wsclient.Client{a, b} {
		f, err := c.Expect(stepCtx, protocol.TypePrivateMessage)
		if err != nil {
			return failf(name, "%s message: %v", c.UserID(), err)
		}
		var m protocol.ServerPrivateMessage
		if err := f.Decode(&m); err != nil || m.Message.Content != "hi" || m.Message.SenderID != a.UserID() {
			return failf(name, "%s got %+v", c.UserID(), m)
		}
		ids = append(ids, m.Message.ID)
	}
	if ids[0] == "" || ids[0] != ids[1] {
		return failf(name, "message ids differ: %v", ids)
	}

	if err := a.Send(protocol.TypeTyping, protocol.TypingMsg{To: b.UserID()}); err != nil {
		return failf(name, "typing: %v", err)
	}
	f, err := b.Expect(stepCtx, protocol.TypeTyping)
	if err != nil {
		return failf(name, "B typing: %v", err)
	}
	var typing protocol.ServerTypingMsg
	if err := f.Decode(&typing); err != nil || typing.From != a.UserID() {
		return failf(name, "typing from %q, want %q", typing.From, a.UserID())
	}

	if err := b.Send(protocol.TypeReadMessage, protocol.ReadMessageMsg{ConversationID: conv}); err != nil {
		return failf(name, "readMessage: %v", err)
	}
	f, err = a.Expect(stepCtx, protocol.TypeReadMessage)
	if err != nil {
		return failf(name, "A receipt: %v", err)
	}
	var receipt protocol.ReadReceiptMsg
	if err := f.Decode(&receipt); err != nil || !lo.Contains(receipt.MessageIDs, ids[0]) {
		return failf(name, "receipt %+v does not include %s", receipt, ids[0])
	}
	return pass(name, "conversation="+truncateID(conv))
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}
