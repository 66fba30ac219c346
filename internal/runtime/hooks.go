package runtime

import (
	"github.com/drblury/backplane/backend"
	loggingpkg "github.com/drblury/backplane/internal/runtime/logging"
)

// ConnectEvent describes a broker that finished connecting.
type ConnectEvent struct {
	// NodeID is the origin id stamped on the broker's events.
	NodeID string
	// Backend is the registered backend name.
	Backend string
	// StreamName and StorageName are the full collection names in use.
	StreamName  string
	StorageName string
	// Capabilities of the backend.
	Capabilities backend.Capabilities
	// Conn is the shared connection handle.
	Conn backend.Conn
	// Generation counts how often the shared connection has been opened.
	Generation int
	// Shared is true when the connection was already open for another broker.
	Shared bool
}

// Hooks are the signals a Broker emits.
// All hooks are optional - nil hooks are simply not called.
type Hooks struct {
	// OnConnect is called once when the broker has opened its event log.
	OnConnect func(ev ConnectEvent)

	// OnError is called for failures that have no caller to return to:
	// feed decode errors, panicking callbacks, backend tail failures and
	// expiry cleanups without a done callback. Publish failures are reported
	// here as well as returned.
	OnError func(err error)

	// OnSubscribe is called after a subscription is installed.
	OnSubscribe func(channel string)

	// OnUnsubscribe is called after a subscription is removed.
	OnUnsubscribe func(channel string)
}

// Merge combines two Hooks, creating a new Hooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnConnect:     chainHooks(h.OnConnect, other.OnConnect),
		OnError:       chainHooks(h.OnError, other.OnError),
		OnSubscribe:   chainHooks(h.OnSubscribe, other.OnSubscribe),
		OnUnsubscribe: chainHooks(h.OnUnsubscribe, other.OnUnsubscribe),
	}
}

func chainHooks[T any](a, b func(T)) func(T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}

// LoggingHooks returns pre-built hooks that log broker lifecycle signals.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	return Hooks{
		OnConnect: func(ev ConnectEvent) {
			logger.Info("Broker connected", loggingpkg.LogFields{
				"node_id":    ev.NodeID,
				"backend":    ev.Backend,
				"stream":     ev.StreamName,
				"shared":     ev.Shared,
				"generation": ev.Generation,
			})
		},
		OnError: func(err error) {
			logger.Error("Broker error", err, nil)
		},
		OnSubscribe: func(channel string) {
			logger.Debug("Subscribed", loggingpkg.LogFields{"channel": channel})
		},
		OnUnsubscribe: func(channel string) {
			logger.Debug("Unsubscribed", loggingpkg.LogFields{"channel": channel})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on broker errors.
func AlertingHooks(alertFunc func(err error)) Hooks {
	return Hooks{
		OnError: alertFunc,
	}
}
