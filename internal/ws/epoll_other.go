//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll is the development fallback for platforms without epoll. Each
// connection gets a goroutine that offers it to the worker pool and waits
// for the worker to finish before offering it again, so no bytes are read
// outside the frame reader.
type Epoll struct {
	mu      sync.Mutex
	rearm   map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		rearm:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts offering conn to Wait.
func (e *Epoll) Add(conn net.Conn) error {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.rearm[conn] = ch
	e.mu.Unlock()

	go e.offer(conn, ch)
	return nil
}

func (e *Epoll) offer(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm lets conn be offered again once a worker is done with it.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	ch, ok := e.rearm[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove stops offering conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	ch, ok := e.rearm[conn]
	delete(e.rearm, conn)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Wait returns the connections currently offered, or none after a short
// idle period.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var conns []net.Conn
	select {
	case c := <-e.readyCh:
		conns = append(conns, c)
	case <-e.done:
		return nil, net.ErrClosed
	case <-time.After(500 * time.Millisecond):
		return nil, nil
	}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close stops every offering goroutine.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.rearm = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll.
func socketFD(net.Conn) int {
	return -1
}
