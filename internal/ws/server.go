// Package ws accepts WebSocket clients behind an admission check, reads
// their frames through epoll and a bounded worker pool, and writes server
// events back to individual connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AllowedOrigins []string      // CORS origins for the HTTP endpoints
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns the production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AllowedOrigins: []string{"*"},
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// RejectError refuses an upgrade with an HTTP status.
type RejectError struct {
	Status int
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("ws: rejected (%d): %s", e.Status, e.Reason)
}

// Admission is what an AdmitFunc resolved for an upgrade request.
type Admission struct {
	UserID   string
	RemoteIP string
}

// AdmitFunc runs before the upgrade. A *RejectError sets the response
// status; any other error answers 500.
type AdmitFunc func(r *http.Request) (Admission, error)

// Hooks connect the server to the application.
type Hooks struct {
	Admit AdmitFunc

	// OnConnect runs after the connection is registered and before any of
	// its frames are read.
	OnConnect func(c *Connection)

	// OnMessage runs on a worker goroutine for every text frame.
	OnMessage func(c *Connection, data []byte)

	// OnDisconnect runs exactly once per admitted connection.
	OnDisconnect func(c *Connection)
}

// maxFrameBytes bounds an inbound data frame. It leaves room for JSON
// escaping around the largest chat text.
const maxFrameBytes = 32 << 10

// ErrUnknownConnection is returned when writing to a connection that is gone.
var ErrUnknownConnection = errors.New("ws: unknown connection")

// Server upgrades HTTP requests with gobwas/ws, registers sockets with epoll
// and hands ready connections to a bounded worker pool.
type Server struct {
	config     ServerConfig
	hooks      Hooks
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	handler    http.Handler
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
	closeOnce  sync.Once
}

// NewServer creates a Server. Call Start to listen.
func NewServer(config ServerConfig, hooks Hooks) *Server {
	return &Server{
		config:     config,
		hooks:      hooks,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// prepare creates the epoll instance, the HTTP routes and the background
// loops. Start calls it; tests call it directly and serve the handler
// through httptest.
func (s *Server) prepare() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.handler = cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(mux)

	go s.startEventLoop()
	if s.config.Heartbeat.Interval > 0 {
		StartHeartbeat(s, s.config.Heartbeat)
	}
	return nil
}

// Start prepares the server and blocks in ListenAndServe.
func (s *Server) Start() error {
	if err := s.prepare(); err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.handler,
	}

	log.Printf("[ws] listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	var adm Admission
	if s.hooks.Admit != nil {
		var err error
		adm, err = s.hooks.Admit(r)
		if err != nil {
			var rej *RejectError
			if errors.As(err, &rej) {
				log.Printf("[ws] rejected %s: %d %s", r.RemoteAddr, rej.Status, rej.Reason)
				http.Error(w, rej.Reason, rej.Status)
				return
			}
			log.Printf("[ws] admission failed %s: %v", r.RemoteAddr, err)
			http.Error(w, "admission failed", http.StatusInternalServerError)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        uuid.NewString(),
		UserID:    adm.UserID,
		RemoteIP:  adm.RemoteIP,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
	}
	c.Touch(now)

	s.conns.Add(c)
	metrics.Connections.Set(float64(s.conns.Count()))
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}

	if err := s.Emit(c.ID, protocol.TypeConnected, protocol.ConnectedMsg{
		SessionID: c.ID,
		UserID:    c.UserID,
	}); err != nil {
		log.Printf("[ws] send connected conn=%s: %v", c.ID, err)
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("[ws] epoll add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("[ws] connected conn=%s user=%s fd=%d (total=%d)", c.ID, c.UserID, c.Fd, s.conns.Count())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[ws] epoll wait error: %v", err)
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready socket. Control frames are
// answered without waiting for a data frame.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Done(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// Stale dispatch; the heartbeat deals with dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		// The payload must be drained or the next header is read mid-frame.
		if err := c.HandleControl(header, reader); err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > maxFrameBytes {
		log.Printf("[ws] oversized frame conn=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c, then runs OnDisconnect. Racing
// callers (read error, heartbeat, kick) run the hook once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.Connections.Set(float64(s.conns.Count()))

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}
	log.Printf("[ws] closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Kick closes a connection as if the client had gone away.
func (s *Server) Kick(connID string) bool {
	c := s.conns.Get(connID)
	if c == nil {
		return false
	}
	s.RemoveConnection(c)
	return true
}

// SendMessage writes a text frame to connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Emit encodes a server event and writes it to connID.
func (s *Server) Emit(connID, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return s.SendMessage(connID, data)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the loops, then disconnects every client
// through RemoveConnection so application cleanup still runs.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[ws] shutting down")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[ws] http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("[ws] stopped")
	return nil
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
