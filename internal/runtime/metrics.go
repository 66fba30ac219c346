package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Error kinds recorded by Metrics and attached to OnError logs.
const (
	ErrorKindPublish   = "publish"
	ErrorKindSubscribe = "subscribe"
	ErrorKindDecode    = "decode"
	ErrorKindCallback  = "callback"
	ErrorKindBackend   = "backend"
	ErrorKindExpire    = "expire"
)

// Metrics tracks broker and store statistics. A nil *Metrics records nothing,
// so brokers can call it unconditionally.
type Metrics struct {
	mu sync.Mutex

	publishedTotal      prometheus.Counter
	deliveredTotal      prometheus.Counter
	selfFilteredTotal   prometheus.Counter
	errorsTotal         *prometheus.CounterVec
	subscriptionsActive prometheus.Gauge
	storeOpsTotal       *prometheus.CounterVec
	storeOpSeconds      *prometheus.HistogramVec
	clientsActive       prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

const (
	metricsNamespace = "backplane"
	metricsSubsystem = "broker"
)

// newBrokerCounter creates a counter with the standard backplane/broker namespace.
func newBrokerCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

// newBrokerCounterVec creates a counter vec with the standard backplane/broker namespace.
func newBrokerCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newBrokerGauge creates a gauge with the standard backplane/broker namespace.
func newBrokerGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates a new metrics collector. Call Register to expose it.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:          registerer,
		publishedTotal:      newBrokerCounter("published_total", "Total number of events appended to the event log"),
		deliveredTotal:      newBrokerCounter("delivered_total", "Total number of events handed to subscription callbacks"),
		selfFilteredTotal:   newBrokerCounter("self_filtered_total", "Total number of tailed events dropped because this node published them"),
		errorsTotal:         newBrokerCounterVec("errors_total", "Total number of broker errors by kind", []string{"kind"}),
		subscriptionsActive: newBrokerGauge("subscriptions_active", "Number of active channel subscriptions"),
		storeOpsTotal:       newBrokerCounterVec("store_operations_total", "Total number of key/value store operations", []string{"op", "result"}),
		storeOpSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "store_operation_seconds",
			Help:      "Latency of key/value store operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		clientsActive: newBrokerGauge("clients_active", "Number of tracked client handles"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.deliveredTotal,
		m.selfFilteredTotal,
		m.errorsTotal,
		m.subscriptionsActive,
		m.storeOpsTotal,
		m.storeOpSeconds,
		m.clientsActive,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) recordPublished() {
	if m == nil {
		return
	}
	m.publishedTotal.Inc()
}

func (m *Metrics) recordDelivered() {
	if m == nil {
		return
	}
	m.deliveredTotal.Inc()
}

func (m *Metrics) recordSelfFiltered() {
	if m == nil {
		return
	}
	m.selfFilteredTotal.Inc()
}

func (m *Metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) addSubscriptions(delta int) {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(float64(delta))
}

func (m *Metrics) addClients(delta int) {
	if m == nil {
		return
	}
	m.clientsActive.Add(float64(delta))
}

func (m *Metrics) observeStoreOp(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOpsTotal.WithLabelValues(op, result).Inc()
	m.storeOpSeconds.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
