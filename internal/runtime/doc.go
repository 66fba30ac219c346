/*
Package runtime provides the broker and key/value store behind backplane.

# Architecture Overview

A Broker is one process's handle on a channel namespace. Publishing appends
an event stamped with the broker's node id to a bounded event log. Every
broker tails the same log and hands the events of other nodes to the local
subscription for that channel. Events a broker published itself are dropped
by the origin filter, so a process never receives its own echo.

The log and the key/value store are provided by a backend (see package
backend). Brokers whose configuration points at the same database share one
reference counted connection from connpool.

# Package Structure

## Broker (broker.go, subscription.go)

  - Publish encodes the arguments and appends one event
  - Subscribe opens a live feed filtered to one channel and dispatches it on
    its own goroutine, in log order
  - Unsubscribe / UnsubscribeAll cancel feeds
  - Destroy cancels everything and releases the shared connection

## Key/value store (client.go, clients.go)

Client exposes Get, Set, Has and Del on entries keyed by (client id, key),
plus immediate and delayed removal of all of a client's entries. Clients
tracks the handles of one broker.

## Signals (hooks.go)

Hooks carry OnConnect, OnError, OnSubscribe and OnUnsubscribe callbacks.
Errors with no caller to return to are emitted through OnError.

## Observability (metrics.go, tracing.go, status.go)

Prometheus counters and gauges under backplane_broker_*, and OpenTelemetry
spans around publish and store operations. Status reports a broker's
subscriptions, clients and connection; StatusHandler serves it as JSON.

# Sub-packages

  - config/: Broker configuration with validation
  - connpool/: Shared, reference counted backend connections
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for event and node ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters

# Usage Example

	broker, err := backplane.NewBroker(ctx, &backplane.Config{
		Backend:       "mongo",
		ConnectionURL: "mongodb://localhost:27017/socketio",
	}, logger, backplane.BrokerDependencies{})
	if err != nil {
		return err
	}
	defer broker.Destroy()

	broker.Subscribe("chat", func(args backplane.Args) {
		var text string
		_ = args.Decode(0, &text)
	})
	broker.Publish(ctx, "chat", "hello")
*/
package runtime
