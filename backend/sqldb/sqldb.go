// Package sqldb implements the backend contracts on database/sql. The event
// log is an append-only table trimmed inside the append transaction and
// tailed by polling on the row id; the store is a table keyed by
// (entry_key, client_id). The sqlite and postgres backends supply a Dialect.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/backplane/backend"
)

const (
	// DefaultPollInterval is the default interval for polling new events.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultBatchSize is the number of rows fetched per poll.
	DefaultBatchSize = 100
)

// Dialect holds what differs between SQL engines.
type Dialect struct {
	// Name is the backend name used in errors and logs.
	Name string

	// IDColumn is the column definition of the auto-incrementing row id.
	IDColumn string

	// BlobType is the column type for raw bytes.
	BlobType string

	// Rebind rewrites ? placeholders into the driver's syntax. Nil keeps them.
	Rebind func(query string) string

	// LockLog returns a statement that serializes appends to table within a
	// transaction, so row ids are committed in order. Empty when the engine
	// already serializes writers.
	LockLog func(table string) string
}

func (d Dialect) bind(query string) string {
	if d.Rebind == nil {
		return query
	}
	return d.Rebind(query)
}

// DollarRebind numbers placeholders as $1, $2, ...
func DollarRebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var unsafeIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

// TableName turns a collection name like "socket.io.stream" into a quoted
// identifier usable on every supported engine.
func TableName(name string) string {
	return `"` + unsafeIdent.ReplaceAllString(name, "_") + `"`
}

// Config bounds the logs of a connection and sets the polling cadence.
type Config struct {
	// MaxBytes caps the summed size of retained events. Zero means no cap.
	MaxBytes int64
	// MaxCount caps the number of retained events. Zero means no cap.
	MaxCount int64
	// PollInterval is the interval for polling new events.
	PollInterval time.Duration
	// BatchSize is the number of rows fetched per poll.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Conn is a backend connection over one *sql.DB.
type Conn struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter
	caps    backend.Capabilities

	mu      sync.Mutex
	tables  map[string]bool
	handles map[*EventLog]struct{}
	closed  bool
}

// New wraps db. The connection owns db and closes it on Close.
func New(db *sql.DB, dialect Dialect, caps backend.Capabilities, cfg Config, logger watermill.LoggerAdapter) *Conn {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Conn{
		db:      db,
		dialect: dialect,
		config:  cfg.withDefaults(),
		logger:  logger,
		caps:    caps,
		tables:  make(map[string]bool),
		handles: make(map[*EventLog]struct{}),
	}
}

// DB returns the underlying database connection for advanced use cases.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// Capabilities returns the capabilities of this connection.
func (c *Conn) Capabilities() backend.Capabilities {
	return c.caps
}

// EventLog creates the log table when missing and returns a new handle on it.
func (c *Conn) EventLog(ctx context.Context, name string, logger watermill.LoggerAdapter) (backend.EventLog, error) {
	if c.isClosed() {
		return nil, backend.ErrClosed
	}
	table := TableName(name)
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id %[2]s,
		uuid TEXT NOT NULL,
		channel TEXT NOT NULL,
		payload %[3]s NOT NULL,
		metadata TEXT NOT NULL,
		size BIGINT NOT NULL
	)`, table, c.dialect.IDColumn, c.dialect.BlobType)
	if err := c.ensureTable(ctx, table, schema); err != nil {
		return nil, fmt.Errorf("create event log %s: %w", table, err)
	}

	if logger == nil {
		logger = c.logger
	}
	h := &EventLog{
		conn:    c,
		table:   table,
		logger:  logger.With(watermill.LogFields{"log": name}),
		closing: make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, backend.ErrClosed
	}
	c.handles[h] = struct{}{}
	return h, nil
}

// Store creates the store table when missing.
func (c *Conn) Store(ctx context.Context, name string) (backend.Store, error) {
	if c.isClosed() {
		return nil, backend.ErrClosed
	}
	table := TableName(name)
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		entry_key TEXT NOT NULL,
		client_id TEXT NOT NULL,
		value %[2]s NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (entry_key, client_id)
	)`, table, c.dialect.BlobType)
	if err := c.ensureTable(ctx, table, schema); err != nil {
		return nil, fmt.Errorf("create store %s: %w", table, err)
	}
	return &Store{conn: c, table: table}, nil
}

func (c *Conn) ensureTable(ctx context.Context, table, schema string) error {
	c.mu.Lock()
	done := c.tables[table]
	c.mu.Unlock()
	if done {
		return nil
	}

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	c.mu.Lock()
	c.tables[table] = true
	c.mu.Unlock()
	c.logger.Debug("Ensured table", watermill.LogFields{"table": table, "backend": c.dialect.Name})
	return nil
}

// Close stops every feed and closes the database.
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
	return c.db.Close()
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

func (c *Conn) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		c.logger.Error("failed to rollback transaction", err, nil)
	}
}
