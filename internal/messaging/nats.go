// Package messaging wraps the NATS connection shared by the relay server and
// the moderator worker and carries the moderation subjects between them.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/whisper/relay/internal/moderation"
)

const (
	// SubjectModerationCheck carries moderation.Request from relay servers.
	SubjectModerationCheck = "moderation.check"

	// SubjectModerationResult + "." + server carries moderation.Verdict back
	// to the server that owns the connection.
	SubjectModerationResult = "moderation.result"

	// moderatorQueue load-balances checks across moderator workers.
	moderatorQueue = "moderators"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns defaults for a local NATS.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client is a NATS connection with the moderation helpers.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS. It fails if the initial connection fails; later
// disconnects reconnect in the background.
func Connect(cfg Config) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Client{conn: nc}, nil
}

// RequestCheck publishes a moderation request.
func (c *Client) RequestCheck(req moderation.Request) error {
	return c.publishJSON(SubjectModerationCheck, req)
}

// OnCheck handles moderation requests as a member of the moderator queue
// group, so each request reaches one worker.
func (c *Client) OnCheck(handler func(moderation.Request)) error {
	return c.subscribe(SubjectModerationCheck, moderatorQueue, func(data []byte) {
		var req moderation.Request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[nats] bad moderation request: %v", err)
			return
		}
		handler(req)
	})
}

// PublishVerdict sends a verdict to the server that owns the connection.
func (c *Client) PublishVerdict(server string, v moderation.Verdict) error {
	return c.publishJSON(SubjectModerationResult+"."+server, v)
}

// OnVerdict handles verdicts addressed to server.
func (c *Client) OnVerdict(server string, handler func(moderation.Verdict)) error {
	return c.subscribe(SubjectModerationResult+"."+server, "", func(data []byte) {
		var v moderation.Verdict
		if err := json.Unmarshal(data, &v); err != nil {
			log.Printf("[nats] bad moderation verdict: %v", err)
			return
		}
		handler(v)
	})
}

// Close drains subscriptions and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
}

func (c *Client) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) subscribe(subject, queue string, handler func([]byte)) error {
	cb := func(msg *nats.Msg) { handler(msg.Data) }

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}
