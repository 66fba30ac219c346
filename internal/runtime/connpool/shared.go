package connpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/backplane/backend"
	errspkg "github.com/drblury/backplane/internal/runtime/errors"
)

// State is the lifecycle state of a SharedConn.
type State int

const (
	// StateUnopened means the connection was never opened.
	StateUnopened State = iota
	// StateOpen means at least one reference holds the connection.
	StateOpen
	// StateClosed means the last reference was released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OpenFunc opens the underlying connection.
type OpenFunc func(ctx context.Context) (backend.Conn, error)

// SharedConn is a reference counted backend connection. The first Acquire
// opens it and the Release that drops the count to zero closes it. Acquiring
// a closed SharedConn opens a new generation.
type SharedConn struct {
	open OpenFunc

	mu         sync.Mutex
	state      State
	refs       int
	generation int
	conn       backend.Conn
}

// NewSharedConn creates an unopened shared connection.
func NewSharedConn(open OpenFunc) *SharedConn {
	if open == nil {
		panic("connpool: open func is required")
	}
	return &SharedConn{open: open}
}

// Acquire returns the open connection, opening it first when needed, and
// takes one reference. A failed open leaves the state unchanged.
func (s *SharedConn) Acquire(ctx context.Context) (backend.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		conn, err := s.open(ctx)
		if err != nil {
			return nil, err
		}
		s.conn = conn
		s.state = StateOpen
		s.generation++
	}
	s.refs++
	return s.conn, nil
}

// Release drops one reference and closes the connection when it was the
// last one. Releasing without a matching Acquire panics with ErrConnReleased.
func (s *SharedConn) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen || s.refs == 0 {
		panic(errspkg.ErrConnReleased)
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}

	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close shared connection: %w", err)
	}
	return nil
}

func (s *SharedConn) openWith(open OpenFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		s.open = open
	}
}

// State returns the current lifecycle state.
func (s *SharedConn) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Refs returns the number of live references.
func (s *SharedConn) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Generation counts how many times the connection has been opened.
func (s *SharedConn) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}
