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

// runPrivate connects user pairs, joins each side to the other's private
// conversation and exchanges persisted messages. "persist" is the time from
// send to the sender's own copy of the broadcast, which includes the
// database write.
func runPrivate(args []string) {
	var tgt target
	fs := flag.NewFlagSet("private", flag.ExitOnError)
	tgt.bind(fs)
	pairs := fs.Int("pairs", 50, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 64, "Approximate message size in bytes")
	concurrency := fs.Int("concurrency", 25, "Maximum pairs set up at once")
	_ = fs.Parse(args)
	mustInit(&tgt)

	fmt.Printf("Private test: %d pairs to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, tgt.url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := newCollector()
	var sessions sync.WaitGroup
	ramp(ctx, *pairs, *rampUp, *concurrency, func(i int) {
		a, b, conv, err := joinPair(ctx, &tgt, i, stats)
		if err != nil {
			stats.fail()
			return
		}
		for _, c := range []*wsclient.Client{a, b} {
			sessions.Add(1)
			go func(c *wsclient.Client) {
				defer sessions.Done()
				defer c.Close()
				chatPrivate(ctx, c, conv, stats, *chatDuration, *msgInterval, *msgSize)
			}(c)
		}
	})
	sessions.Wait()
	stats.report()
}

// joinPair connects two users and joins each to the other.
func joinPair(ctx context.Context, tgt *target, i int, stats *collector) (*wsclient.Client, *wsclient.Client, string, error) {
	setupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	a, err := tgt.dial(setupCtx, tgt.userID("pa", i), 2*i)
	if err != nil {
		return nil, nil, "", err
	}
	b, err := tgt.dial(setupCtx, tgt.userID("pb", i), 2*i+1)
	if err != nil {
		a.Close()
		return nil, nil, "", err
	}
	stats.observe("connect", a.Metrics().ConnectLatency)
	stats.observe("connect", b.Metrics().ConnectLatency)

	var conv string
	for _, side := range []struct {
		self    *wsclient.Client
		partner string
	}{{a, b.UserID()}, {b, a.UserID()}} {
		start := time.Now()
		if err := side.self.Send(protocol.TypePrivateJoin, protocol.PrivateJoinMsg{PartnerUserID: side.partner}); err != nil {
			a.Close()
			b.Close()
			return nil, nil, "", err
		}
		f, err := side.self.Expect(setupCtx, protocol.TypePartnerJoined)
		if err != nil {
			a.Close()
			b.Close()
			return nil, nil, "", err
		}
		stats.observe("join", time.Since(start))
		var joined protocol.PartnerJoinedMsg
		if err := f.Decode(&joined); err != nil {
			a.Close()
			b.Close()
			return nil, nil, "", err
		}
		if conv != "" && conv != joined.ConversationID {
			stats.count("split-conversations", 1)
		}
		conv = joined.ConversationID
	}
	return a, b, conv, nil
}

// chatPrivate sends messages on c and marks the partner's messages read.
func chatPrivate(ctx context.Context, c *wsclient.Client, conv string, stats *collector, chatDuration, interval time.Duration, size int) {
	self := c.UserID()
	c.On(protocol.TypePrivateMessage, func(f wsclient.Frame) {
		var msg protocol.ServerPrivateMessage
		if err := f.Decode(&msg); err != nil {
			return
		}
		at, ok := sentAt(msg.Message.Content)
		if !ok {
			return
		}
		if msg.Message.SenderID == self {
			stats.observe("persist", time.Since(at))
			return
		}
		stats.count("received", 1)
		stats.observe("delivery", time.Since(at))
	})
	c.On(protocol.TypeReadMessage, func(f wsclient.Frame) {
		var r protocol.ReadReceiptMsg
		if f.Decode(&r) == nil {
			stats.count("receipts", int64(len(r.MessageIDs)))
		}
	})
	c.On(protocol.TypePrivateError, func(f wsclient.Frame) {
		var e protocol.ErrorMsg
		if f.Decode(&e) == nil {
			stats.count("err:"+e.Error, 1)
		}
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(chatDuration)
	defer deadline.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-c.Done():
			stats.count("dropped", 1)
			return
		case <-ticker.C:
			c.Drain()
		}

		var err error
		if n%5 == 4 {
			err = c.Send(protocol.TypeReadMessage, protocol.ReadMessageMsg{ConversationID: conv})
		} else {
			err = c.Send(protocol.TypePrivateMessage, protocol.PrivateMessageMsg{Message: payload(size), MessageType: "text"})
			stats.count("sent", 1)
		}
		if err != nil {
			stats.fail()
			return
		}
	}
}
