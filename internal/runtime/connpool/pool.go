// Package connpool shares backend connections between brokers. Brokers whose
// configuration resolves to the same connection key use one SharedConn.
package connpool

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/backplane/backend"
	"github.com/drblury/backplane/internal/runtime/config"
)

// DefaultPool is the process-wide pool used when a broker is not given one.
var DefaultPool = NewPool(nil)

// Pool maps connection keys to shared connections.
type Pool struct {
	factory Factory

	mu    sync.Mutex
	conns map[string]*SharedConn
}

// NewPool creates a pool opening connections through factory. A nil factory
// means DefaultFactory.
func NewPool(factory Factory) *Pool {
	if factory == nil {
		factory = DefaultFactory()
	}
	return &Pool{
		factory: factory,
		conns:   make(map[string]*SharedConn),
	}
}

// Acquire takes a reference on the connection for conf. The first caller of
// a key opens it with its own config and logger.
func (p *Pool) Acquire(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (*Lease, error) {
	shared := p.Shared(conf, logger)
	conn, err := shared.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease{shared: shared, conn: conn}, nil
}

// Shared returns the SharedConn for conf's connection key, creating it
// unopened. While the connection is not open, the latest caller's config and
// logger are the ones used to open it.
func (p *Pool) Shared(conf *config.Config, logger watermill.LoggerAdapter) *SharedConn {
	key := conf.ConnectionKey()
	snapshot := *conf
	open := func(ctx context.Context) (backend.Conn, error) {
		return p.factory.Build(ctx, &snapshot, logger)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if shared, ok := p.conns[key]; ok {
		shared.openWith(open)
		return shared
	}

	shared := NewSharedConn(open)
	p.conns[key] = shared
	return shared
}

// Lease is one reference on a SharedConn. Releasing a lease twice is a no-op.
type Lease struct {
	shared *SharedConn
	conn   backend.Conn

	once sync.Once
	err  error
}

// Conn returns the leased connection.
func (l *Lease) Conn() backend.Conn {
	return l.conn
}

// Shared returns the underlying shared connection.
func (l *Lease) Shared() *SharedConn {
	return l.shared
}

// Release gives the reference back.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.err = l.shared.Release()
	})
	return l.err
}
