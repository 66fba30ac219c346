// Package postgres provides a PostgreSQL-based backend for backplane.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/backplane/backend"
	"github.com/drblury/backplane/backend/sqldb"
)

// BackendName is the name used to register this backend.
const BackendName = "postgres"

// DefaultPort is used when neither a connection URL nor a port is configured.
const DefaultPort = 5432

// Dialect is the PostgreSQL flavour of sqldb. Appends take a table lock so
// ids become visible to pollers in commit order.
var Dialect = sqldb.Dialect{
	Name:     BackendName,
	IDColumn: "BIGSERIAL PRIMARY KEY",
	BlobType: "BYTEA",
	Rebind:   sqldb.DollarRebind,
	LockLog: func(table string) string {
		return "LOCK TABLE " + table + " IN SHARE ROW EXCLUSIVE MODE"
	},
}

func init() {
	Register()
}

// Register registers the PostgreSQL backend with the default registry.
func Register() {
	backend.RegisterWithCapabilities(BackendName, Build, backend.PostgresCapabilities)
	backend.RegisterWithCapabilities("postgresql", Build, backend.PostgresCapabilities) // Alias
}

// Build opens a PostgreSQL connection from the connection URL, or from host,
// port and database name when no URL is set.
func Build(_ context.Context, cfg backend.Config, logger watermill.LoggerAdapter) (backend.Conn, error) {
	return New(Config{
		ConnectionString: ConnectionString(cfg),
		PollInterval:     cfg.GetPollInterval(),
		MaxBytes:         cfg.GetMaxLogSizeBytes(),
		MaxCount:         cfg.GetMaxLogDocCount(),
	}, logger)
}

// ConnectionString resolves the DSN for cfg.
func ConnectionString(cfg backend.Config) string {
	if u := cfg.GetConnectionURL(); u != "" {
		return u
	}
	port := cfg.GetPort()
	if port <= 0 {
		port = DefaultPort
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(cfg.GetHost(), strconv.Itoa(port)),
		Path:     "/" + cfg.GetDatabaseName(),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is the interval for polling new events.
	PollInterval time.Duration
	// MaxBytes caps the summed size of retained events. Zero means no cap.
	MaxBytes int64
	// MaxCount caps the number of retained events. Zero means no cap.
	MaxCount int64
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = sqldb.DefaultPollInterval
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// New opens and pings a PostgreSQL-backed connection.
func New(cfg Config, logger watermill.LoggerAdapter) (*sqldb.Conn, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	return Open(db, cfg, logger)
}

// Open wraps an already opened database. It pings db and closes it on failure.
func Open(db *sql.DB, cfg Config, logger watermill.LoggerAdapter) (*sqldb.Conn, error) {
	cfg = cfg.withDefaults()

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return sqldb.New(db, Dialect, backend.PostgresCapabilities, sqldb.Config{
		MaxBytes:     cfg.MaxBytes,
		MaxCount:     cfg.MaxCount,
		PollInterval: cfg.PollInterval,
	}, logger), nil
}
