package backend

// Capabilities describes what a backend offers. Use this to introspect a
// Broker's backend at runtime.
type Capabilities struct {
	// Name is the registered backend name.
	Name string

	// BoundedLog indicates the event log evicts its oldest events once the
	// configured size or count cap is reached.
	BoundedLog bool

	// SupportsCountCap indicates MaxLogDocCount is honored in addition to
	// MaxLogSizeBytes.
	SupportsCountCap bool

	// PushTailing indicates new events are pushed by the server. When false
	// the backend polls at the configured interval.
	PushTailing bool

	// SupportsOrdering indicates every tailer sees events in append order.
	SupportsOrdering bool

	// Persistent indicates events and stored entries survive a process restart.
	Persistent bool

	// CrossProcess indicates several processes can share the same log and
	// store through this backend.
	CrossProcess bool

	// MaxMessageSize is the maximum event payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresPolling returns true if new events are only seen after a poll interval.
func (c Capabilities) RequiresPolling() bool {
	return !c.PushTailing
}

// SupportsFanOut returns true if publishing through one process reaches
// subscribers in another.
func (c Capabilities) SupportsFanOut() bool {
	return c.CrossProcess && c.SupportsOrdering
}

// Predefined capability sets for the bundled backends.
var (
	// MemoryCapabilities for the in-process backend.
	MemoryCapabilities = Capabilities{
		Name:             "memory",
		BoundedLog:       true,
		SupportsCountCap: true,
		PushTailing:      true,
		SupportsOrdering: true,
		Persistent:       false,
		CrossProcess:     false,
	}

	// MongoCapabilities for MongoDB capped collections.
	MongoCapabilities = Capabilities{
		Name:             "mongo",
		BoundedLog:       true,
		SupportsCountCap: true,
		PushTailing:      true,
		SupportsOrdering: true,
		Persistent:       true,
		CrossProcess:     true,
		MaxMessageSize:   16777216, // BSON document limit
	}

	// JetStreamCapabilities for NATS JetStream streams and KV buckets.
	JetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		BoundedLog:       true,
		SupportsCountCap: true,
		PushTailing:      true,
		SupportsOrdering: true,
		Persistent:       true,
		CrossProcess:     true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// SQLiteCapabilities for the SQLite backend.
	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		BoundedLog:       true,
		SupportsCountCap: true,
		PushTailing:      false,
		SupportsOrdering: true,
		Persistent:       true,
		CrossProcess:     true,
	}

	// PostgresCapabilities for the PostgreSQL backend.
	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		BoundedLog:       true,
		SupportsCountCap: true,
		PushTailing:      false,
		SupportsOrdering: true,
		Persistent:       true,
		CrossProcess:     true,
	}
)

// GetCapabilities returns the capabilities for a backend by name.
// Returns a Capabilities struct carrying only the name if the backend is unknown.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
