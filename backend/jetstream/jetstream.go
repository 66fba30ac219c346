// Package jetstream provides a NATS JetStream backend for backplane. Each event
// log is a stream with limits retention that discards its oldest messages,
// and each store is a key/value bucket.
package jetstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/backplane/backend"
)

// BackendName is the name used to register this backend.
const BackendName = "nats-jetstream"

func init() {
	Register()
}

// Register registers the JetStream backend with the default registry.
func Register() {
	backend.RegisterWithCapabilities(BackendName, Build, backend.JetStreamCapabilities)
	backend.RegisterWithCapabilities("jetstream", Build, backend.JetStreamCapabilities) // Alias
}

// Build connects to the NATS server named by the connection URL, or by host
// and port when no URL is set.
func Build(_ context.Context, cfg backend.Config, logger watermill.LoggerAdapter) (backend.Conn, error) {
	return New(Config{
		URL:      ServerURL(cfg),
		MaxBytes: cfg.GetMaxLogSizeBytes(),
		MaxCount: cfg.GetMaxLogDocCount(),
	}, logger)
}

// ServerURL resolves the NATS URL for cfg.
func ServerURL(cfg backend.Config) string {
	if u := cfg.GetConnectionURL(); u != "" {
		return u
	}
	host := cfg.GetHost()
	if host == "" {
		host = "localhost"
	}
	port := cfg.GetPort()
	if port <= 0 {
		port = nats.DefaultPort
	}
	return "nats://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.JetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// MaxBytes caps the stored size of each stream. Zero means no cap.
	MaxBytes int64

	// MaxCount caps the number of messages of each stream. Zero means no cap.
	MaxCount int64

	// Replicas is the number of stream and bucket replicas (for clustering).
	Replicas int

	// Storage selects file (default) or memory storage.
	Storage nats.StorageType
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// StreamName turns a collection name like "socket.io.stream" into a valid
// stream or bucket name.
func StreamName(name string) string {
	return unsafeName.ReplaceAllString(name, "_")
}

// token encodes an arbitrary string as one subject or key token.
func token(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// Conn is one NATS connection with its JetStream context.
type Conn struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	streams map[string]bool
	handles map[*EventLog]struct{}
	closed  bool
}

// New connects to NATS and creates a JetStream context.
func New(cfg Config, logger watermill.LoggerAdapter) (*Conn, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("backplane"),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := watermill.LogFields{}
			if sub != nil {
				fields["subject"] = sub.Subject
			}
			logger.Error("NATS async error", err, fields)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Conn{
		nc:      nc,
		js:      js,
		config:  cfg,
		logger:  logger,
		streams: make(map[string]bool),
		handles: make(map[*EventLog]struct{}),
	}, nil
}

// Capabilities returns the capabilities of this backend.
func (c *Conn) Capabilities() backend.Capabilities {
	return backend.JetStreamCapabilities
}

// NATS returns the underlying connection for advanced use cases.
func (c *Conn) NATS() *nats.Conn {
	return c.nc
}

func (c *Conn) streamConfig(stream string) *nats.StreamConfig {
	cfg := &nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{stream + ".>"},
		Retention: nats.LimitsPolicy,
		Discard:   nats.DiscardOld,
		MaxBytes:  -1,
		MaxMsgs:   -1,
		Storage:   c.config.Storage,
		Replicas:  c.config.Replicas,
	}
	if c.config.MaxBytes > 0 {
		cfg.MaxBytes = c.config.MaxBytes
	}
	if c.config.MaxCount > 0 {
		cfg.MaxMsgs = c.config.MaxCount
	}
	return cfg
}

// ensureStream creates the stream or updates its limits when it exists.
func (c *Conn) ensureStream(stream string) error {
	c.mu.Lock()
	done := c.streams[stream]
	c.mu.Unlock()
	if done {
		return nil
	}

	cfg := c.streamConfig(stream)
	if _, err := c.js.AddStream(cfg); err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return err
		}
		if _, err := c.js.UpdateStream(cfg); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.streams[stream] = true
	c.mu.Unlock()
	c.logger.Debug("JetStream stream ready", watermill.LogFields{
		"stream":    stream,
		"max_bytes": cfg.MaxBytes,
		"max_msgs":  cfg.MaxMsgs,
	})
	return nil
}

// EventLog ensures the stream for name and returns a new handle on it.
func (c *Conn) EventLog(_ context.Context, name string, logger watermill.LoggerAdapter) (backend.EventLog, error) {
	if c.isClosed() {
		return nil, backend.ErrClosed
	}
	stream := StreamName(name)
	if err := c.ensureStream(stream); err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}

	if logger == nil {
		logger = c.logger
	}
	h := &EventLog{
		conn:    c,
		stream:  stream,
		logger:  logger.With(watermill.LogFields{"stream": stream}),
		cancels: make(map[int]context.CancelFunc),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, backend.ErrClosed
	}
	c.handles[h] = struct{}{}
	return h, nil
}

// Store opens the key/value bucket for name, creating it when missing.
func (c *Conn) Store(_ context.Context, name string) (backend.Store, error) {
	if c.isClosed() {
		return nil, backend.ErrClosed
	}
	bucket := StreamName(name)
	kv, err := c.js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = c.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:   bucket,
			History:  1,
			Storage:  c.config.Storage,
			Replicas: c.config.Replicas,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}
	return &Store{kv: kv}, nil
}

// Close stops every feed and closes the NATS connection.
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
	c.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	c.nc.Close()
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
