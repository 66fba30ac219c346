package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/backplane/internal/runtime/errors"
	loggingpkg "github.com/drblury/backplane/internal/runtime/logging"
)

// Clients tracks the client handles of one broker.
type Clients struct {
	broker *Broker

	mu      sync.Mutex
	clients map[string]*Client
	timers  map[*time.Timer]func(error)
	stopped bool
}

func newClients(b *Broker) *Clients {
	return &Clients{
		broker:  b,
		clients: make(map[string]*Client),
		timers:  make(map[*time.Timer]func(error)),
	}
}

// Client returns the handle for id, creating it when needed.
func (cs *Clients) Client(id string) *Client {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if c, ok := cs.clients[id]; ok {
		return c
	}
	c := &Client{id: id, clients: cs}
	if cs.stopped || id == "" {
		return c
	}
	cs.clients[id] = c
	cs.broker.metrics.addClients(1)
	return c
}

// DestroyClient removes every entry of id and then drops its handle. The
// handle is kept when the removal fails.
func (cs *Clients) DestroyClient(ctx context.Context, id string) error {
	c := cs.lookup(id)
	if err := c.Destroy(ctx); err != nil {
		return err
	}
	cs.drop(c)
	return nil
}

// ExpireClient removes every entry of id after delay and drops its handle
// once that succeeded. It returns immediately. Like Client.DestroyAfter, a
// removal still pending when the broker is destroyed never runs.
func (cs *Clients) ExpireClient(id string, delay time.Duration, done func(error)) {
	c := cs.lookup(id)
	cs.expire(c, delay, done, func() { cs.drop(c) })
}

// DestroyAll removes the entries of every tracked client.
func (cs *Clients) DestroyAll(ctx context.Context) error {
	var errs []error
	for _, id := range cs.IDs() {
		if err := cs.DestroyClient(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of tracked handles.
func (cs *Clients) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.clients)
}

// IDs returns the tracked client ids, sorted.
func (cs *Clients) IDs() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ids := make([]string, 0, len(cs.clients))
	for id := range cs.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pending returns the number of scheduled removals that have not fired yet.
func (cs *Clients) Pending() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.timers)
}

func (cs *Clients) lookup(id string) *Client {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.clients[id]; ok {
		return c
	}
	return &Client{id: id, clients: cs}
}

func (cs *Clients) drop(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.clients[c.id] != c {
		return
	}
	delete(cs.clients, c.id)
	cs.broker.metrics.addClients(-1)
}

// expire schedules the bulk removal of c's entries. onSuccess runs before
// done when the removal worked.
func (cs *Clients) expire(c *Client, delay time.Duration, done func(error), onSuccess func()) {
	finish := func(err error) {
		if err == nil && onSuccess != nil {
			onSuccess()
		}
		if done != nil {
			done(err)
			return
		}
		if err != nil && !errors.Is(err, errspkg.ErrBrokerDestroyed) {
			cs.broker.reportError(ErrorKindExpire, err)
		}
	}

	cs.mu.Lock()
	if cs.stopped {
		cs.mu.Unlock()
		finish(errspkg.ErrBrokerDestroyed)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		cs.mu.Lock()
		if _, pending := cs.timers[timer]; !pending {
			cs.mu.Unlock()
			return
		}
		delete(cs.timers, timer)
		cs.mu.Unlock()

		finish(c.Destroy(cs.broker.ctx))
	})
	cs.timers[timer] = finish
	cs.mu.Unlock()

	cs.broker.logger.Debug("Scheduled client cleanup", loggingpkg.LogFields{
		"client_id": c.id,
		"delay":     delay.String(),
	})
}

// stop cancels every pending removal and forgets all handles.
func (cs *Clients) stop() {
	cs.mu.Lock()
	cs.stopped = true
	pending := make([]func(error), 0, len(cs.timers))
	for timer, finish := range cs.timers {
		timer.Stop()
		pending = append(pending, finish)
	}
	cs.timers = make(map[*time.Timer]func(error))
	cs.broker.metrics.addClients(-len(cs.clients))
	cs.clients = make(map[string]*Client)
	cs.mu.Unlock()

	for _, finish := range pending {
		finish(errspkg.ErrBrokerDestroyed)
	}
}
