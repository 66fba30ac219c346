// Package backend defines the collaborator contracts a Broker runs on: a
// bounded, tailable event log per channel namespace and a keyed document
// store for per-connection state. Each backend implementation (mongo,
// nats-jetstream, sqlite, postgres, memory) lives in its own sub-package and
// registers itself with the backend registry.
package backend

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Builder opens a connection from config. Each backend package provides one
// and registers it under its name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Conn, error)

// Config provides the configuration values needed by backends.
type Config interface {
	// GetBackend returns the backend name.
	GetBackend() string

	// Connection
	GetConnectionURL() string
	GetHost() string
	GetPort() int
	GetDatabaseName() string

	// Event log bounds
	GetMaxLogSizeBytes() int64
	GetMaxLogDocCount() int64

	// Polling backends
	GetPollInterval() time.Duration
}

// Conn is one open connection to a backend. It is shared by every Broker
// configured with the same connection key and closed when the last one is
// destroyed.
type Conn interface {
	// EventLog opens the named bounded log, creating it when missing, and
	// returns a handle owned by the caller. Closing the handle stops the
	// feeds it opened; the log itself stays available on the connection.
	EventLog(ctx context.Context, name string, logger watermill.LoggerAdapter) (EventLog, error)

	// Store opens the named document collection.
	Store(ctx context.Context, name string) (Store, error)

	// Close releases everything the connection holds.
	Close() error
}

// EventLog appends events and tails them. Publish appends with the watermill
// topic as channel name. Subscribe returns the events appended to that
// channel after the call, in append order; each message must be acked or
// nacked before the next one is delivered. Cancelling the context stops the
// feed and closes the channel.
type EventLog interface {
	message.Publisher
	message.Subscriber
}

// Key is the composite key of one stored entry.
type Key struct {
	ClientID string
	Name     string
}

// Store is the per-connection key/value collection.
type Store interface {
	// FindOne returns the value stored under key. found is false when the
	// entry does not exist.
	FindOne(ctx context.Context, key Key) (value []byte, found bool, err error)

	// Has reports whether an entry exists without reading its value.
	Has(ctx context.Context, key Key) (bool, error)

	// Upsert creates or replaces the entry.
	Upsert(ctx context.Context, key Key, value []byte) error

	// Remove deletes the entry. Removing a missing entry is not an error.
	Remove(ctx context.Context, key Key) error

	// RemoveClient deletes every entry of a client and returns how many went.
	RemoveClient(ctx context.Context, clientID string) (int64, error)

	// EnsureIndex makes lookups by (Name, ClientID) efficient. It must be
	// idempotent.
	EnsureIndex(ctx context.Context) error
}

// CapabilitiesProvider is implemented by connections that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
