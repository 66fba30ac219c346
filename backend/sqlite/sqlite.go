// Package sqlite provides a SQLite-based backend for backplane.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/backplane/backend"
	"github.com/drblury/backplane/backend/sqldb"
)

// BackendName is the name used to register this backend.
const BackendName = "sqlite"

// Dialect is the SQLite flavour of sqldb. SQLite serializes writers, so no
// explicit lock is taken on append.
var Dialect = sqldb.Dialect{
	Name:     BackendName,
	IDColumn: "INTEGER PRIMARY KEY AUTOINCREMENT",
	BlobType: "BLOB",
}

func init() {
	Register()
}

// Register registers the SQLite backend with the default registry.
func Register() {
	backend.RegisterWithCapabilities(BackendName, Build, backend.SQLiteCapabilities)
}

// Build opens a SQLite database. The connection URL is the file path; when it
// is empty the database name is used with a .db suffix.
func Build(_ context.Context, cfg backend.Config, logger watermill.LoggerAdapter) (backend.Conn, error) {
	path := cfg.GetConnectionURL()
	if path == "" {
		path = cfg.GetDatabaseName() + ".db"
	}
	return New(Config{
		FilePath:     path,
		PollInterval: cfg.GetPollInterval(),
		MaxBytes:     cfg.GetMaxLogSizeBytes(),
		MaxCount:     cfg.GetMaxLogDocCount(),
	}, logger)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// PollInterval is the interval for polling new events.
	PollInterval time.Duration
	// MaxBytes caps the summed size of retained events. Zero means no cap.
	MaxBytes int64
	// MaxCount caps the number of retained events. Zero means no cap.
	MaxCount int64
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "backplane.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = sqldb.DefaultPollInterval
	}
	return c
}

// dsn appends the pragmas the backend relies on to the file path.
func (c Config) dsn() string {
	sep := "?"
	if strings.Contains(c.FilePath, "?") {
		sep = "&"
	}
	return c.FilePath + sep + "_journal_mode=WAL&_busy_timeout=5000"
}

// New opens a SQLite-backed connection.
func New(cfg Config, logger watermill.LoggerAdapter) (*sqldb.Conn, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// One connection keeps ":memory:" databases alive and shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	return sqldb.New(db, Dialect, backend.SQLiteCapabilities, sqldb.Config{
		MaxBytes:     cfg.MaxBytes,
		MaxCount:     cfg.MaxCount,
		PollInterval: cfg.PollInterval,
	}, logger), nil
}
