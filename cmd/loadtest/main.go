// Command loadtest drives a running relay with simulated users.
//
//	loadtest saturate  opens N idle connections and holds them
//	loadtest random    pairs users through join-random and relays messages
//	loadtest private   joins user pairs to private conversations and exchanges messages
//	loadtest e2e       runs the end-to-end smoke scenarios once
//
// Tokens are minted locally with the server's JWT secret.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/wsclient"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "random":
		runRandom(os.Args[2:])
	case "private":
		runPrivate(os.Args[2:])
	case "e2e":
		os.Exit(runE2E(os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    open N idle connections and hold them")
	fmt.Println("  random      pair users through join-random and relay messages")
	fmt.Println("  private     exchange persisted messages between user pairs")
	fmt.Println("  e2e         run the end-to-end smoke scenarios")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// target holds the flags every command shares.
type target struct {
	url    string
	secret string
	issuer string
	prefix string
	spread bool
	tokens *auth.JWTAuthenticator
}

func (t *target) bind(fs *flag.FlagSet) {
	fs.StringVar(&t.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	fs.StringVar(&t.secret, "secret", os.Getenv("JWT_SECRET"), "JWT secret shared with the server")
	fs.StringVar(&t.issuer, "issuer", os.Getenv("JWT_ISSUER"), "JWT issuer expected by the server")
	fs.StringVar(&t.prefix, "user-prefix", "lt", "prefix for simulated user ids")
	fs.BoolVar(&t.spread, "spread-ips", true, "send a distinct X-Forwarded-For per client to stay under the per-IP connect limit")
}

func (t *target) init() error {
	if t.secret == "" {
		return fmt.Errorf("-secret or JWT_SECRET is required")
	}
	t.tokens = auth.NewJWTAuthenticator(t.secret, t.issuer)
	return nil
}

func (t *target) userID(role string, i int) string {
	return fmt.Sprintf("%s-%s-%d", t.prefix, role, i)
}

// dial connects as userID. n picks the synthetic source address.
func (t *target) dial(ctx context.Context, userID string, n int) (*wsclient.Client, error) {
	token, err := t.tokens.IssueToken(userID, time.Hour)
	if err != nil {
		return nil, err
	}
	var header http.Header
	if t.spread {
		header = http.Header{"X-Forwarded-For": []string{syntheticIP(n)}}
	}
	c, err := wsclient.DialHeader(ctx, t.url, token, header)
	if err != nil {
		return nil, err
	}
	// Every connect and disconnect is announced to every client.
	discard := func(wsclient.Frame) {}
	c.On(protocol.TypeUserOnline, discard)
	c.On(protocol.TypeUserOffline, discard)
	return c, nil
}

func syntheticIP(n int) string {
	return fmt.Sprintf("10.%d.%d.%d", (n>>16)&0xff, (n>>8)&0xff, n&0xff)
}

func mustInit(t *target) {
	if err := t.init(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

// payload builds a message whose first field is the send time, so the
// receiver can measure relay latency.
func payload(size int) string {
	stamp := fmt.Sprintf("%d ", time.Now().UnixNano())
	if pad := size - len(stamp); pad > 0 {
		b := make([]byte, pad)
		for i := range b {
			b[i] = 'a' + byte(i%26)
		}
		return stamp + string(b)
	}
	return stamp
}

// sentAt parses the send time written by payload.
func sentAt(text string) (time.Time, bool) {
	var ns int64
	if _, err := fmt.Sscanf(text, "%d ", &ns); err != nil || ns <= 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
