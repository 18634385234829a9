//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the development fallback for platforms without epoll. Every
// socket is always reported ready; the read path blocks up to ReadTimeout
// and calls Done, after which the socket is offered again. Each idle client
// therefore holds a worker slot.
type Epoll struct {
	mu      sync.Mutex
	pending map[net.Conn]chan struct{} // socket -> Done signal
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		pending: make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts offering conn to Wait.
func (e *Epoll) Add(conn net.Conn) error {
	ack := make(chan struct{}, 1)
	e.mu.Lock()
	e.pending[conn] = ack
	e.mu.Unlock()

	go e.offer(conn, ack)
	return nil
}

func (e *Epoll) offer(conn net.Conn, ack chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-ack:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Done tells the poller the read path finished with conn.
func (e *Epoll) Done(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ack, ok := e.pending[conn]; ok {
		select {
		case ack <- struct{}{}:
		default:
		}
	}
}

// Remove stops offering conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	ack, ok := e.pending[conn]
	delete(e.pending, conn)
	e.mu.Unlock()
	if ok {
		close(ack)
	}
	return nil
}

// Wait blocks until at least one socket is offered and drains the rest.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every offer loop.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
