// Package wsclient is a WebSocket client for the relay protocol, used by the
// load and end-to-end test tools. It connects with gobwas/ws (the same library
// the server uses), waits for the connected handshake and queues server
// events by type.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/protocol"
)

// ErrClosed is returned by Expect once the connection is gone and no
// matching frame is queued.
var ErrClosed = errors.New("wsclient: connection closed")

// Frame is one server event.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the event into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// Metrics are per-connection counters.
type Metrics struct {
	ConnectLatency time.Duration
	Sent           int64
	Received       int64
}

// Client is one simulated user connection.
type Client struct {
	conn      net.Conn
	src       io.ReadWriter // conn, preceded by bytes buffered during the handshake
	writeMu   sync.Mutex
	sessionID string
	userID    string

	mu       sync.Mutex
	pending  []Frame
	arrived  chan struct{}
	handlers map[string]func(Frame)

	connectLatency time.Duration
	sent           atomic.Int64
	received       atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to rawURL with token as the credential and waits for the
// connected event.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	return DialHeader(ctx, rawURL, token, nil)
}

// DialHeader is Dial with extra handshake headers, such as X-Forwarded-For
// when the relay sits behind a proxy.
func DialHeader(ctx context.Context, rawURL, token string, header http.Header) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsclient: parse url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	start := time.Now()
	dialer := ws.DefaultDialer
	if len(header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}
	conn, br, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	var src io.ReadWriter = conn
	if br != nil {
		src = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	c := &Client{
		conn:     conn,
		src:      src,
		arrived:  make(chan struct{}),
		handlers: make(map[string]func(Frame)),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	f, err := c.Expect(ctx, protocol.TypeConnected)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("wsclient: handshake: %w", err)
	}
	var hello protocol.ConnectedMsg
	if err := f.Decode(&hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("wsclient: handshake: %w", err)
	}
	c.sessionID = hello.SessionID
	c.userID = hello.UserID
	c.connectLatency = time.Since(start)
	return c, nil
}

// Send writes a client event. payload may be nil for events without fields.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.src, ws.OpText, data); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// On routes every frame of msgType to fn instead of the Expect queue. fn runs
// on the read goroutine.
func (c *Client) On(msgType string, fn func(Frame)) {
	c.mu.Lock()
	c.handlers[msgType] = fn
	c.mu.Unlock()
}

// Expect returns the oldest queued frame of msgType, waiting for one if
// needed. Frames of other types stay queued.
func (c *Client) Expect(ctx context.Context, msgType string) (Frame, error) {
	for {
		c.mu.Lock()
		for i, f := range c.pending {
			if f.Type == msgType {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				c.mu.Unlock()
				return f, nil
			}
		}
		wait := c.arrived
		c.mu.Unlock()

		select {
		case <-wait:
		case <-c.done:
			// Frames may have landed before the close; look once more.
			c.mu.Lock()
			closedWait := c.arrived == wait
			c.mu.Unlock()
			if closedWait {
				return Frame{}, fmt.Errorf("%w waiting for %s", ErrClosed, msgType)
			}
		case <-ctx.Done():
			return Frame{}, fmt.Errorf("wsclient: waiting for %s: %w", msgType, ctx.Err())
		}
	}
}

// Drain discards every queued frame.
func (c *Client) Drain() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// SessionID returns the connection id assigned by the server.
func (c *Client) SessionID() string { return c.sessionID }

// UserID returns the identity the server resolved.
func (c *Client) UserID() string { return c.userID }

// Metrics returns a snapshot of the counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency: c.connectLatency,
		Sent:           c.sent.Load(),
		Received:       c.received.Load(),
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	control := wsutil.ControlFrameHandler(c.src, ws.StateClientSide)
	for {
		h, r, err := wsutil.NextReader(c.src, ws.StateClientSide)
		if err != nil {
			return
		}
		if h.OpCode.IsControl() {
			// Pongs share the socket with Send.
			c.writeMu.Lock()
			err = control(h, r)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return
		}
		if h.OpCode != ws.OpText {
			continue
		}
		c.received.Add(1)

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}
		f := Frame{Type: head.Type, Raw: data}

		c.mu.Lock()
		fn, routed := c.handlers[f.Type]
		if !routed {
			c.pending = append(c.pending, f)
			close(c.arrived)
			c.arrived = make(chan struct{})
		}
		c.mu.Unlock()

		if routed {
			fn(f)
		}
	}
}
