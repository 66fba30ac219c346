package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/drblury/backplane/backend"
	"github.com/drblury/backplane/backend/memory"
	configpkg "github.com/drblury/backplane/internal/runtime/config"
	"github.com/drblury/backplane/internal/runtime/connpool"
	loggingpkg "github.com/drblury/backplane/internal/runtime/logging"
)

const waitTimeout = 2 * time.Second

// newMemoryPool returns a pool whose connections are fresh in-process
// backends, isolated from every other test.
func newMemoryPool() *connpool.Pool {
	return connpool.NewPool(connpool.FactoryFunc(func(_ context.Context, conf *configpkg.Config, logger watermill.LoggerAdapter) (backend.Conn, error) {
		return memory.New(memory.Config{
			MaxBytes: conf.MaxLogSizeBytes,
			MaxCount: conf.MaxLogDocCount,
		}, logger), nil
	}))
}

func newTestBroker(t *testing.T, pool *connpool.Pool, opts ...func(*configpkg.Config, *BrokerDependencies)) *Broker {
	t.Helper()

	conf := &configpkg.Config{Backend: memory.BackendName}
	deps := BrokerDependencies{Pool: pool}
	for _, opt := range opts {
		opt(conf, &deps)
	}

	b, err := NewBroker(context.Background(), conf, loggingpkg.NewNopServiceLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Destroy() })
	return b
}

func withNodeID(id string) func(*configpkg.Config, *BrokerDependencies) {
	return func(c *configpkg.Config, _ *BrokerDependencies) { c.NodeID = id }
}

func withHooks(h Hooks) func(*configpkg.Config, *BrokerDependencies) {
	return func(_ *configpkg.Config, d *BrokerDependencies) { d.Hooks = d.Hooks.Merge(h) }
}

func withMetrics(m *Metrics) func(*configpkg.Config, *BrokerDependencies) {
	return func(_ *configpkg.Config, d *BrokerDependencies) { d.Metrics = m }
}

// collector records the arguments handed to a subscription callback.
type collector struct {
	mu   sync.Mutex
	got  []Args
	note chan struct{}
}

func newCollector() *collector {
	return &collector{note: make(chan struct{}, 1024)}
}

func (c *collector) callback(args Args) {
	c.mu.Lock()
	c.got = append(c.got, args)
	c.mu.Unlock()
	c.note <- struct{}{}
}

func (c *collector) all() []Args {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Args, len(c.got))
	copy(out, c.got)
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

// waitN blocks until n events were collected in total.
func (c *collector) waitN(t *testing.T, n int) []Args {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() >= n }, waitTimeout, 5*time.Millisecond,
		"expected %d events, got %d", n, c.count())
	return c.all()
}

// quiet asserts nothing more arrives for a short while.
func (c *collector) quiet(t *testing.T, want int) {
	t.Helper()
	time.Sleep(75 * time.Millisecond)
	require.Equal(t, want, c.count(), "unexpected extra events")
}

func firstString(t *testing.T, args Args) string {
	t.Helper()
	var s string
	require.NoError(t, args.Decode(0, &s))
	return s
}

// errorRecorder collects OnError signals.
type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) hook(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

func (r *errorRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// fakeConn is a scriptable backend connection.
type fakeConn struct {
	mu sync.Mutex

	log      *fakeEventLog
	logErr   error
	store    *fakeStore
	storeErr error
	closed   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{log: &fakeEventLog{}, store: &fakeStore{entries: make(map[backend.Key][]byte)}}
}

func (f *fakeConn) EventLog(_ context.Context, _ string, logger watermill.LoggerAdapter) (backend.EventLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return nil, f.logErr
	}
	f.log.logger = logger
	return f.log, nil
}

func (f *fakeConn) Store(context.Context, string) (backend.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		err := f.storeErr
		f.storeErr = nil
		return nil, err
	}
	return f.store, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func fakePool(conn *fakeConn) *connpool.Pool {
	return connpool.NewPool(connpool.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (backend.Conn, error) {
		return conn, nil
	}))
}

// fakeEventLog hands out feeds the test pushes messages into.
type fakeEventLog struct {
	mu         sync.Mutex
	logger     watermill.LoggerAdapter
	publishErr error
	published  []*message.Message
	feeds      map[string]chan *message.Message
	closed     bool

	// subscribeGate, when set, holds Subscribe until it is closed.
	subscribeGate chan struct{}
	subscribeErr  error
}

func (l *fakeEventLog) Publish(topic string, messages ...*message.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.publishErr != nil {
		return l.publishErr
	}
	l.published = append(l.published, messages...)
	return nil
}

func (l *fakeEventLog) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	l.mu.Lock()
	gate, subscribeErr := l.subscribeGate, l.subscribeErr
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if subscribeErr != nil {
		return nil, subscribeErr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.feeds == nil {
		l.feeds = make(map[string]chan *message.Message)
	}
	in := make(chan *message.Message)
	out := make(chan *message.Message)
	l.feeds[topic] = in
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-in:
				if !backend.Deliver(ctx, nil, out, msg) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// push delivers msg on topic's feed.
func (l *fakeEventLog) push(t *testing.T, topic string, msg *message.Message) {
	t.Helper()
	l.mu.Lock()
	feed := l.feeds[topic]
	l.mu.Unlock()
	require.NotNil(t, feed, "no feed for %q", topic)
	select {
	case feed <- msg:
	case <-time.After(waitTimeout):
		t.Fatal("feed not drained")
	}
}

func (l *fakeEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// fakeStore wraps a map and can fail on demand.
type fakeStore struct {
	mu          sync.Mutex
	entries     map[backend.Key][]byte
	indexErr    error
	indexCalls  int
	failNextOps error
}

func (s *fakeStore) take() error {
	err := s.failNextOps
	s.failNextOps = nil
	return err
}

func (s *fakeStore) FindOne(_ context.Context, key backend.Key) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.take(); err != nil {
		return nil, false, err
	}
	v, ok := s.entries[key]
	return v, ok, nil
}

func (s *fakeStore) Has(_ context.Context, key backend.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.take(); err != nil {
		return false, err
	}
	_, ok := s.entries[key]
	return ok, nil
}

func (s *fakeStore) Upsert(_ context.Context, key backend.Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.take(); err != nil {
		return err
	}
	s.entries[key] = value
	return nil
}

func (s *fakeStore) Remove(_ context.Context, key backend.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.take(); err != nil {
		return err
	}
	delete(s.entries, key)
	return nil
}

func (s *fakeStore) RemoveClient(_ context.Context, clientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.take(); err != nil {
		return 0, err
	}
	var n int64
	for k := range s.entries {
		if k.ClientID == clientID {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) EnsureIndex(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexCalls++
	if s.indexErr != nil {
		err := s.indexErr
		s.indexErr = nil
		return err
	}
	return nil
}

var errBoom = errors.New("boom")
