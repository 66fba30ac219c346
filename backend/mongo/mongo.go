// Package mongo provides a MongoDB backend for backplane. Event logs are
// capped collections tailed with tailable-await cursors; stores are regular
// collections indexed on (key, clientId).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/drblury/backplane/backend"
)

// BackendName is the name used to register this backend.
const BackendName = "mongo"

const (
	// DefaultPort is the MongoDB port used when only a host is configured.
	DefaultPort = 27017

	// DefaultCapSizeBytes sizes a capped collection when no cap is configured.
	// MongoDB requires a size for every capped collection.
	DefaultCapSizeBytes = 100000

	// DefaultRetryInterval is the pause before a dead tailing cursor is reopened.
	DefaultRetryInterval = 100 * time.Millisecond

	// DefaultMaxAwaitTime bounds each server-side wait of a tailing cursor.
	DefaultMaxAwaitTime = time.Second

	codeNamespaceExists = 48
)

func init() {
	Register()
}

// Register registers the MongoDB backend with the default registry.
func Register() {
	backend.RegisterWithCapabilities(BackendName, Build, backend.MongoCapabilities)
	backend.RegisterWithCapabilities("mongodb", Build, backend.MongoCapabilities) // Alias
}

// Build connects to the server named by the connection URL, or by host and
// port when no URL is set. The database is taken from the URL path and falls
// back to the configured database name.
func Build(ctx context.Context, cfg backend.Config, logger watermill.LoggerAdapter) (backend.Conn, error) {
	uri := ConnectionURI(cfg)
	return New(ctx, Config{
		URI:           uri,
		Database:      DatabaseName(uri, cfg.GetDatabaseName()),
		MaxBytes:      cfg.GetMaxLogSizeBytes(),
		MaxCount:      cfg.GetMaxLogDocCount(),
		RetryInterval: cfg.GetPollInterval(),
	}, logger)
}

// ConnectionURI resolves the MongoDB URI for cfg.
func ConnectionURI(cfg backend.Config) string {
	if u := cfg.GetConnectionURL(); u != "" {
		return u
	}
	host := cfg.GetHost()
	if host == "" {
		host = "localhost"
	}
	port := cfg.GetPort()
	if port <= 0 {
		port = DefaultPort
	}
	return "mongodb://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// DatabaseName returns the database in the path of uri, or fallback when
// the URI names none.
func DatabaseName(uri, fallback string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	i := strings.Index(rest, "/")
	if i < 0 {
		return fallback
	}
	path := rest[i+1:]
	if j := strings.IndexAny(path, "?#"); j >= 0 {
		path = path[:j]
	}
	if db, err := url.PathUnescape(path); err == nil && db != "" {
		return db
	}
	return fallback
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.MongoCapabilities
}

// Config holds MongoDB-specific configuration.
type Config struct {
	// URI is the MongoDB connection string.
	URI string
	// Database holds every collection the backend creates.
	Database string
	// MaxBytes is the size of each capped collection.
	MaxBytes int64
	// MaxCount caps the number of documents of each capped collection. Zero
	// means no count cap.
	MaxCount int64
	// RetryInterval is the pause before a dead tailing cursor is reopened.
	RetryInterval time.Duration
	// MaxAwaitTime bounds each server-side wait of a tailing cursor.
	MaxAwaitTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.Database == "" {
		c.Database = "socketio"
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultCapSizeBytes
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxAwaitTime <= 0 {
		c.MaxAwaitTime = DefaultMaxAwaitTime
	}
	return c
}

// Conn is one MongoDB client scoped to a database.
type Conn struct {
	client *mongo.Client
	db     *mongo.Database
	config Config
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	capped  map[string]bool
	handles map[*EventLog]struct{}
	closed  bool
}

// New connects and pings the primary.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Conn, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetAppName("backplane"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Conn{
		client:  client,
		db:      client.Database(cfg.Database),
		config:  cfg,
		logger:  logger,
		capped:  make(map[string]bool),
		handles: make(map[*EventLog]struct{}),
	}, nil
}

// Capabilities returns the capabilities of this backend.
func (c *Conn) Capabilities() backend.Capabilities {
	return backend.MongoCapabilities
}

// Client returns the underlying client for advanced use cases.
func (c *Conn) Client() *mongo.Client {
	return c.client
}

func (c *Conn) cappedOptions() *options.CreateCollectionOptions {
	opts := options.CreateCollection().SetCapped(true).SetSizeInBytes(c.config.MaxBytes)
	if c.config.MaxCount > 0 {
		opts.SetMaxDocuments(c.config.MaxCount)
	}
	return opts
}

// ensureCapped creates the capped collection. An existing collection is
// used as it is.
func (c *Conn) ensureCapped(ctx context.Context, name string) error {
	c.mu.Lock()
	done := c.capped[name]
	c.mu.Unlock()
	if done {
		return nil
	}

	if err := c.db.CreateCollection(ctx, name, c.cappedOptions()); err != nil && !isNamespaceExists(err) {
		return err
	}

	c.mu.Lock()
	c.capped[name] = true
	c.mu.Unlock()
	c.logger.Debug("Capped collection ready", watermill.LogFields{
		"collection": name,
		"size":       c.config.MaxBytes,
		"max":        c.config.MaxCount,
	})
	return nil
}

func isNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == codeNamespaceExists
}

// EventLog ensures the capped collection for name and returns a new handle on it.
func (c *Conn) EventLog(ctx context.Context, name string, logger watermill.LoggerAdapter) (backend.EventLog, error) {
	if c.isClosed() {
		return nil, backend.ErrClosed
	}
	if err := c.ensureCapped(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to create capped collection %s: %w", name, err)
	}

	if logger == nil {
		logger = c.logger
	}
	h := &EventLog{
		conn:    c,
		coll:    c.db.Collection(name),
		logger:  logger.With(watermill.LogFields{"collection": name}),
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

// Store returns the named collection.
func (c *Conn) Store(_ context.Context, name string) (backend.Store, error) {
	if c.isClosed() {
		return nil, backend.ErrClosed
	}
	return &Store{coll: c.db.Collection(name)}, nil
}

// Close stops every feed and disconnects.
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
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
