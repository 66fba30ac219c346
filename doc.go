// Package backplane lets several processes share channel events and
// per-connection state through a common database, the way a socket.io
// adapter does. It reads the backend (MongoDB, NATS JetStream, PostgreSQL,
// SQLite, or in-memory) from Config and hands out a Broker per process.
//
// A Broker publishes events to a bounded, tailable event log and tails the
// same log for the channels it subscribed to. Each event carries the node id
// of the Broker that published it, and a Broker never delivers its own
// events back to itself. A minimal setup therefore involves filling Config,
// creating a Broker, subscribing a callback, and publishing; see
// examples/simple for a copy/paste quick start.
//
// # Backends
//
// backplane ships five backends:
//   - mongo: capped collection tailed with a tailable-await cursor
//   - nats-jetstream: stream with limits retention and a key/value bucket
//   - postgres: append-only table trimmed per append, polled by row id
//   - sqlite: embedded variant of the postgres layout
//   - memory: in-process log for tests and single-process deployments
//
// # Key/value store
//
// Broker.Client returns the store of one logical connection. Entries are
// keyed by (client id, key), values are JSON encoded, and Client.DestroyAfter
// removes all of a client's entries once a delay has elapsed.
//
// # Shared connections
//
// Brokers whose Config resolves to the same connection share one reference
// counted backend connection from a Pool. The connection is opened by the
// first Broker and closed when the last one is destroyed.
//
// # Hooks and observability
//
// Hooks carry OnConnect, OnError, OnSubscribe and OnUnsubscribe callbacks;
// errors with no caller to return to, such as a failed delayed cleanup, are
// only reported through OnError. Metrics exports Prometheus counters and
// gauges, and publish and store operations open OpenTelemetry spans.
package backplane
