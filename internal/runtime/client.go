package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/backplane/backend"
	errspkg "github.com/drblury/backplane/internal/runtime/errors"
	"github.com/drblury/backplane/internal/runtime/jsoncodec"
)

// Client is the key/value store of one logical connection. Entries are keyed
// by (client id, key) in the broker's storage collection, so handles for
// different ids never see each other's entries.
type Client struct {
	id      string
	clients *Clients
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.id
}

// Get decodes the value stored under key into dst. found is false when the
// key is not set. A nil dst only checks for presence.
func (c *Client) Get(ctx context.Context, key string, dst any) (found bool, err error) {
	err = c.do(ctx, "get", key, func(ctx context.Context, store backend.Store) error {
		value, ok, err := store.FindOne(ctx, backend.Key{ClientID: c.id, Name: key})
		if err != nil || !ok {
			return err
		}
		found = true
		if dst == nil {
			return nil
		}
		if err := jsoncodec.Unmarshal(value, dst); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		return nil
	})
	return found, err
}

// Set stores value under key, replacing any previous value as a whole.
func (c *Client) Set(ctx context.Context, key string, value any) error {
	raw, err := jsoncodec.Marshal(value)
	if err != nil {
		return fmt.Errorf("set %q for client %q: encode value: %w", key, c.id, err)
	}
	return c.do(ctx, "set", key, func(ctx context.Context, store backend.Store) error {
		return store.Upsert(ctx, backend.Key{ClientID: c.id, Name: key}, raw)
	})
}

// Has reports whether key is set.
func (c *Client) Has(ctx context.Context, key string) (has bool, err error) {
	err = c.do(ctx, "has", key, func(ctx context.Context, store backend.Store) error {
		has, err = store.Has(ctx, backend.Key{ClientID: c.id, Name: key})
		return err
	})
	return has, err
}

// Del removes key. Removing a key that is not set succeeds.
func (c *Client) Del(ctx context.Context, key string) error {
	return c.do(ctx, "del", key, func(ctx context.Context, store backend.Store) error {
		return store.Remove(ctx, backend.Key{ClientID: c.id, Name: key})
	})
}

// Destroy removes every entry of the client now.
func (c *Client) Destroy(ctx context.Context) error {
	return c.do(ctx, "destroy", "", func(ctx context.Context, store backend.Store) error {
		_, err := store.RemoveClient(ctx, c.id)
		return err
	})
}

// DestroyAfter removes every entry of the client once delay has elapsed and
// returns immediately. The removal cannot be cancelled and calling it again
// schedules another one. done, when set, receives the outcome; otherwise a
// failure is emitted through OnError. Pending removals are dropped when the
// broker is destroyed, with done receiving ErrBrokerDestroyed. The entries
// then stay in the store even while other brokers keep the connection open;
// call Destroy before destroying the broker to remove them.
func (c *Client) DestroyAfter(delay time.Duration, done func(error)) {
	c.clients.expire(c, delay, done, nil)
}

func (c *Client) do(ctx context.Context, op, key string, fn func(context.Context, backend.Store) error) (err error) {
	if c.id == "" {
		return errspkg.ErrClientIDRequired
	}
	if op != "destroy" && key == "" {
		return errspkg.ErrKeyRequired
	}

	b := c.clients.broker
	started := time.Now()
	ctx, span := startSpan(ctx, "backplane.store."+op,
		attribute.String("backplane.client_id", c.id),
		attribute.String("backplane.key", key),
	)
	defer func() {
		b.metrics.observeStoreOp(op, started, err)
		endSpan(span, err)
	}()

	store, err := b.storeHandle(ctx)
	if err != nil {
		return err
	}
	if err = fn(ctx, store); err != nil {
		if key == "" {
			return fmt.Errorf("%s client %q: %w", op, c.id, err)
		}
		return fmt.Errorf("%s %q for client %q: %w", op, key, c.id, err)
	}
	return nil
}
