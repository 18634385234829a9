package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/wsclient"
)

// runRandom connects N users, sends join-random on each, measures the time
// to random:matched and then relays timestamped messages between partners.
// The message interval defaults above the server's per-connection limit of
// five messages per ten seconds.
func runRandom(args []string) {
	var tgt target
	fs := flag.NewFlagSet("random", flag.ExitOnError)
	tgt.bind(fs)
	users := fs.Int("users", 200, "Number of users searching for a partner")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each user keeps chatting after matching")
	msgInterval := fs.Duration("msg-interval", 3*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 64, "Approximate message size in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for random:matched")
	_ = fs.Parse(args)
	mustInit(&tgt)

	fmt.Printf("Random test: %d users to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*users, tgt.url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := newCollector()
	var (
		mu       sync.Mutex
		sessions sync.WaitGroup
	)
	clients := make([]*wsclient.Client, 0, *users)

	ramp(ctx, *users, *rampUp, *concurrency, func(i int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := tgt.dial(connCtx, tgt.userID("random", i), i)
		cancel()
		if err != nil {
			stats.fail()
			return
		}
		stats.observe("connect", c.Metrics().ConnectLatency)
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()

		c.On(protocol.TypeRandomMessage, func(f wsclient.Frame) {
			var msg protocol.ServerRandomMessage
			if err := f.Decode(&msg); err != nil {
				return
			}
			stats.count("received", 1)
			if at, ok := sentAt(msg.Message); ok {
				stats.observe("relay", time.Since(at))
			}
		})
		c.On(protocol.TypeRandomError, func(f wsclient.Frame) {
			var e protocol.ErrorMsg
			if f.Decode(&e) == nil {
				stats.count("err:"+e.Error, 1)
			}
		})

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			chatRandom(ctx, c, stats, *matchTimeout, *chatDuration, *msgInterval, *msgSize)
		}()
	})
	sessions.Wait()

	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	stats.report()
}

// chatRandom runs one user's session: search, wait for a partner, chat.
func chatRandom(ctx context.Context, c *wsclient.Client, stats *collector, matchTimeout, chatDuration, interval time.Duration, size int) {
	start := time.Now()
	if err := c.Send(protocol.TypeJoinRandom, nil); err != nil {
		stats.fail()
		return
	}

	matchCtx, cancel := context.WithTimeout(ctx, matchTimeout)
	_, err := c.Expect(matchCtx, protocol.TypeMatched)
	cancel()
	if err != nil {
		stats.count("unmatched", 1)
		return
	}
	stats.observe("match", time.Since(start))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(chatDuration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-c.Done():
			stats.count("dropped", 1)
			return
		case <-ticker.C:
			// Frames like random:ended pile up otherwise.
			c.Drain()
			if err := c.Send(protocol.TypeRandomMessage, protocol.RandomMessageMsg{Message: payload(size)}); err != nil {
				stats.fail()
				return
			}
			stats.count("sent", 1)
		}
	}
}
