// Package memory provides an in-process backend for backplane. Brokers that
// share one connection see each other's events, which makes it the backend
// of choice for tests and single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/backplane/backend"
)

// BackendName is the name used to register this backend.
const BackendName = "memory"

func init() {
	Register()
}

// Register registers the memory backend with the default registry.
func Register() {
	backend.RegisterWithCapabilities(BackendName, Build, backend.MemoryCapabilities)
}

// Build opens a new in-process connection.
func Build(_ context.Context, cfg backend.Config, logger watermill.LoggerAdapter) (backend.Conn, error) {
	return New(Config{
		MaxBytes: cfg.GetMaxLogSizeBytes(),
		MaxCount: cfg.GetMaxLogDocCount(),
	}, logger), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.MemoryCapabilities
}

// Config bounds every event log opened on a connection.
type Config struct {
	// MaxBytes caps the summed size of retained events. Zero means no cap.
	MaxBytes int64
	// MaxCount caps the number of retained events. Zero means no cap.
	MaxCount int64
}

// Conn holds the logs and stores of one in-process connection.
type Conn struct {
	config Config
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	logs    map[string]*ringLog
	stores  map[string]*Store
	handles map[*EventLog]struct{}
	closed  bool
}

// New creates an empty connection.
func New(cfg Config, logger watermill.LoggerAdapter) *Conn {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Conn{
		config:  cfg,
		logger:  logger,
		logs:    make(map[string]*ringLog),
		stores:  make(map[string]*Store),
		handles: make(map[*EventLog]struct{}),
	}
}

// Capabilities returns the capabilities of this backend.
func (c *Conn) Capabilities() backend.Capabilities {
	return backend.MemoryCapabilities
}

// EventLog returns a new handle on the named log, creating the log on first use.
func (c *Conn) EventLog(_ context.Context, name string, logger watermill.LoggerAdapter) (backend.EventLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, backend.ErrClosed
	}
	if logger == nil {
		logger = c.logger
	}

	log, ok := c.logs[name]
	if !ok {
		log = newRingLog(c.config.MaxBytes, c.config.MaxCount)
		c.logs[name] = log
		c.logger.Debug("Created event log", watermill.LogFields{"name": name})
	}

	h := &EventLog{
		conn:    c,
		log:     log,
		logger:  logger.With(watermill.LogFields{"log": name}),
		cancels: make(map[int]context.CancelFunc),
	}
	c.handles[h] = struct{}{}
	return h, nil
}

// Store returns the named store, creating it on first use.
func (c *Conn) Store(_ context.Context, name string) (backend.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, backend.ErrClosed
	}
	s, ok := c.stores[name]
	if !ok {
		s = newStore()
		c.stores[name] = s
	}
	return s, nil
}

// Close closes every handle and drops all data.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := make([]*EventLog, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	for _, s := range c.stores {
		s.close()
	}
	c.logs = nil
	c.stores = nil
	c.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) forget(h *EventLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, h)
}
