package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/backplane/backend"
	configpkg "github.com/drblury/backplane/internal/runtime/config"
	"github.com/drblury/backplane/internal/runtime/connpool"
	errspkg "github.com/drblury/backplane/internal/runtime/errors"
	idspkg "github.com/drblury/backplane/internal/runtime/ids"
	loggingpkg "github.com/drblury/backplane/internal/runtime/logging"
)

// BrokerDependencies holds the optional collaborators a Broker can use.
// Leave fields nil to use the defaults.
type BrokerDependencies struct {
	// Pool shares connections between brokers. Defaults to connpool.DefaultPool.
	Pool *connpool.Pool
	// Metrics is recorded when set.
	Metrics *Metrics
	// Hooks are installed before the broker connects, so OnConnect fires.
	Hooks Hooks
}

// Broker publishes events to the shared event log and dispatches tailed
// events from other nodes to local subscriptions. It also owns the key/value
// store of its clients.
type Broker struct {
	conf     configpkg.Config
	logger   loggingpkg.ServiceLogger
	wmLogger watermill.LoggerAdapter
	nodeID   string
	metrics  *Metrics

	lease    *connpool.Lease
	eventLog backend.EventLog
	caps     backend.Capabilities

	ctx    context.Context
	cancel context.CancelFunc

	hooksMu sync.RWMutex
	hooks   Hooks

	mu         sync.Mutex
	subs       map[string]*subscription
	generation uint64
	destroyed  bool

	storeMu sync.Mutex
	store   backend.Store

	clients *Clients
}

// NewBroker connects a broker for conf. Unset config fields get their
// defaults; an empty NodeID gets a random one.
func NewBroker(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BrokerDependencies) (*Broker, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if c.NodeID == "" {
		c.NodeID = idspkg.NewNodeID()
	}

	pool := deps.Pool
	if pool == nil {
		pool = connpool.DefaultPool
	}

	b := &Broker{
		conf:    c,
		nodeID:  c.NodeID,
		metrics: deps.Metrics,
		hooks:   deps.Hooks,
		subs:    make(map[string]*subscription),
	}
	b.logger = log.With(loggingpkg.LogFields{"node_id": b.nodeID})
	b.wmLogger = loggingpkg.WithErrorSink(loggingpkg.NewWatermillAdapter(b.logger), b.backendError)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.clients = newClients(b)

	b.logger.Info("Creating broker", loggingpkg.LogFields{
		"backend": c.Backend,
		"config":  c,
	})

	lease, err := pool.Acquire(ctx, &b.conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		b.cancel()
		return nil, fmt.Errorf("connect %s backend: %w", c.Backend, err)
	}
	shared := lease.Shared().Refs() > 1

	eventLog, err := lease.Conn().EventLog(ctx, c.StreamName(), b.wmLogger)
	if err != nil {
		b.cancel()
		if relErr := lease.Release(); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return nil, fmt.Errorf("open event log %q: %w", c.StreamName(), err)
	}

	b.lease = lease
	b.eventLog = eventLog
	b.caps = backend.GetCapabilities(c.Backend)
	if provider, ok := lease.Conn().(backend.CapabilitiesProvider); ok {
		b.caps = provider.Capabilities()
	}

	b.emitConnect(ConnectEvent{
		NodeID:       b.nodeID,
		Backend:      c.Backend,
		StreamName:   c.StreamName(),
		StorageName:  c.StorageName(),
		Capabilities: b.caps,
		Conn:         lease.Conn(),
		Generation:   lease.Shared().Generation(),
		Shared:       shared,
	})

	return b, nil
}

// NodeID returns the origin id stamped on this broker's events.
func (b *Broker) NodeID() string {
	return b.nodeID
}

// Config returns the effective configuration, defaults applied.
func (b *Broker) Config() configpkg.Config {
	return b.conf
}

// Capabilities describes the backend this broker runs on.
func (b *Broker) Capabilities() backend.Capabilities {
	return b.caps
}

// Clients returns the registry of per-connection store handles.
func (b *Broker) Clients() *Clients {
	return b.clients
}

// Client is shorthand for Clients().Client(id).
func (b *Broker) Client(id string) *Client {
	return b.clients.Client(id)
}

// AddHooks merges h after the hooks already installed.
func (b *Broker) AddHooks(h Hooks) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	b.hooks = b.hooks.Merge(h)
}

// Publish appends an event carrying values to the channel. Values are
// encoded as JSON. Failures are returned and also emitted through OnError.
func (b *Broker) Publish(ctx context.Context, channel string, values ...any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publish to %q panicked: %v", channel, r)
			b.reportError(ErrorKindPublish, err)
		}
	}()

	if channel == "" {
		err = errspkg.ErrChannelRequired
		b.reportError(ErrorKindPublish, err)
		return err
	}
	if b.isDestroyed() {
		err = errspkg.ErrBrokerDestroyed
		b.reportError(ErrorKindPublish, err)
		return err
	}

	ctx, span := startSpan(ctx, "backplane.publish",
		attribute.String("backplane.channel", channel),
		attribute.String("backplane.node_id", b.nodeID),
		attribute.Int("backplane.args", len(values)),
	)
	defer func() { endSpan(span, err) }()

	args, err := EncodeArgs(values...)
	if err != nil {
		err = fmt.Errorf("publish to %q: %w", channel, err)
		b.reportError(ErrorKindPublish, err)
		return err
	}
	payload, err := args.Encode()
	if err != nil {
		err = fmt.Errorf("publish to %q: %w", channel, err)
		b.reportError(ErrorKindPublish, err)
		return err
	}

	ev := backend.Event{
		UUID:      idspkg.CreateULID(),
		Channel:   channel,
		Origin:    b.nodeID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	msg := ev.Message()
	msg.SetContext(ctx)

	if err = b.eventLog.Publish(channel, msg); err != nil {
		err = fmt.Errorf("publish to %q: %w", channel, err)
		b.reportError(ErrorKindPublish, err)
		return err
	}

	b.metrics.recordPublished()
	b.logger.Trace("Published event", loggingpkg.LogFields{
		"channel":    channel,
		"event_uuid": ev.UUID,
	})
	return nil
}

// Subscribe installs fn for events on channel published by other nodes.
// An existing subscription on the channel is cancelled first. fn runs on the
// subscription's own goroutine, once per event, in log order.
func (b *Broker) Subscribe(channel string, fn func(Args)) error {
	if channel == "" {
		return errspkg.ErrChannelRequired
	}
	if fn == nil {
		return errspkg.ErrCallbackRequired
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return errspkg.ErrBrokerDestroyed
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.generation++
	sub := newSubscription(channel, fn, b.generation, cancel)
	previous := b.subs[channel]
	b.subs[channel] = sub
	b.mu.Unlock()

	if previous != nil {
		previous.cancel()
	} else {
		b.metrics.addSubscriptions(1)
	}

	// The feed is opened without holding b.mu; backends may need round trips.
	feed, err := b.eventLog.Subscribe(ctx, channel)

	b.mu.Lock()
	current := b.subs[channel] == sub
	if err != nil && current {
		delete(b.subs, channel)
	}
	destroyed := b.destroyed
	b.mu.Unlock()

	if err != nil {
		if !sub.cancel() {
			// Removed or replaced while opening.
			if destroyed {
				return errspkg.ErrBrokerDestroyed
			}
			return nil
		}
		b.metrics.addSubscriptions(-1)
		err = fmt.Errorf("subscribe to %q: %w", channel, err)
		b.reportError(ErrorKindSubscribe, err)
		return err
	}

	go b.dispatch(sub, feed)
	if !current {
		if destroyed {
			return errspkg.ErrBrokerDestroyed
		}
		return nil
	}

	b.logger.Debug("Subscribed", loggingpkg.LogFields{
		"channel":    channel,
		"generation": sub.generation,
		"replaced":   previous != nil,
	})
	b.emitSubscribe(channel)
	return nil
}

// Unsubscribe cancels the subscription on channel. An empty channel cancels
// every subscription.
func (b *Broker) Unsubscribe(channel string) {
	if channel == "" {
		b.UnsubscribeAll()
		return
	}

	b.mu.Lock()
	sub := b.subs[channel]
	delete(b.subs, channel)
	b.mu.Unlock()

	if sub == nil {
		return
	}
	b.removed([]*subscription{sub})
}

// UnsubscribeAll cancels every subscription of this broker.
func (b *Broker) UnsubscribeAll() {
	b.mu.Lock()
	subs := b.takeSubscriptions()
	b.mu.Unlock()

	b.removed(subs)
}

// Subscriptions returns the channels with an active subscription, sorted.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	channels := make([]string, 0, len(b.subs))
	for channel := range b.subs {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// takeSubscriptions empties the subscription map. Callers hold b.mu.
func (b *Broker) takeSubscriptions() []*subscription {
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*subscription)
	sort.Slice(subs, func(i, j int) bool { return subs[i].channel < subs[j].channel })
	return subs
}

func (b *Broker) removed(subs []*subscription) {
	for _, sub := range subs {
		if !sub.cancel() {
			continue
		}
		b.metrics.addSubscriptions(-1)
		b.logger.Debug("Unsubscribed", loggingpkg.LogFields{"channel": sub.channel})
		b.emitUnsubscribe(sub.channel)
	}
}

// Destroy cancels every subscription, stops pending client expiry timers and
// releases the shared connection, closing it when this was the last broker
// using it. Calling Destroy again does nothing.
func (b *Broker) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	subs := b.takeSubscriptions()
	b.mu.Unlock()

	b.removed(subs)
	b.clients.stop()
	b.cancel()

	b.storeMu.Lock()
	b.store = nil
	b.storeMu.Unlock()

	var errs []error
	if err := b.eventLog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event log: %w", err))
	}
	if err := b.lease.Release(); err != nil {
		errs = append(errs, err)
	}

	b.logger.Info("Broker destroyed", loggingpkg.LogFields{
		"connection_state": b.lease.Shared().State().String(),
	})
	return errors.Join(errs...)
}

func (b *Broker) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// storeHandle opens the storage collection on first use and caches it. The
// index is ensured once; a failed open is retried on the next call.
func (b *Broker) storeHandle(ctx context.Context) (backend.Store, error) {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	if b.isDestroyed() {
		return nil, errspkg.ErrBrokerDestroyed
	}
	if b.store != nil {
		return b.store, nil
	}

	store, err := b.lease.Conn().Store(ctx, b.conf.StorageName())
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", b.conf.StorageName(), err)
	}
	if err := store.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("ensure index on %q: %w", b.conf.StorageName(), err)
	}

	b.store = store
	b.logger.Debug("Opened store", loggingpkg.LogFields{"storage": b.conf.StorageName()})
	return store, nil
}

// reportError logs err and emits it through OnError.
func (b *Broker) reportError(kind string, err error) {
	b.metrics.recordError(kind)
	b.logger.Error("Broker error", err, loggingpkg.LogFields{"kind": kind})
	b.emitError(err)
}

// backendError receives errors logged by the backend, which already logged them.
func (b *Broker) backendError(err error) {
	b.metrics.recordError(ErrorKindBackend)
	b.emitError(err)
}

func (b *Broker) currentHooks() Hooks {
	b.hooksMu.RLock()
	defer b.hooksMu.RUnlock()
	return b.hooks
}

func (b *Broker) emitConnect(ev ConnectEvent) {
	if h := b.currentHooks().OnConnect; h != nil {
		h(ev)
	}
}

func (b *Broker) emitError(err error) {
	if h := b.currentHooks().OnError; h != nil {
		h(err)
	}
}

func (b *Broker) emitSubscribe(channel string) {
	if h := b.currentHooks().OnSubscribe; h != nil {
		h(channel)
	}
}

func (b *Broker) emitUnsubscribe(channel string) {
	if h := b.currentHooks().OnUnsubscribe; h != nil {
		h(channel)
	}
}
