package stream

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrSessionClosed is returned when sending to a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionFull is returned when the session's outbound queue is full.
	ErrSessionFull = errors.New("session queue full")
)

// DefaultBuffer is the outbound queue length used when none is given.
const DefaultBuffer = 256

// Session is one connected client's outbound queue. The transport owns the
// goroutine draining Outbound and must stop when Done is closed.
type Session struct {
	ID string

	out  chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSession creates an open session with a random ID.
func NewSession(buffer int) *Session {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Session{
		ID:   uuid.NewString(),
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues msg without blocking.
func (s *Session) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return ErrSessionFull
	}
}

// Outbound yields queued messages in send order.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close marks the session closed. Later sends fail with ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
