package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func gaugeValue(t *testing.T, g prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(g)
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register(), "second register is a no-op")

	m.recordPublished()
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "backplane_broker_published_total")
}

func TestMetrics_RegisterAlreadyRegisteredIsNotAnError(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewMetrics(reg).Register())

	again := NewMetrics(reg)
	assert.NoError(t, again.Register())
}

func TestMetrics_Records(t *testing.T) {
	m := newTestMetrics()

	m.recordPublished()
	m.recordPublished()
	m.recordDelivered()
	m.recordSelfFiltered()
	m.recordError(ErrorKindDecode)
	m.recordError(ErrorKindDecode)
	m.recordError(ErrorKindPublish)
	m.addSubscriptions(2)
	m.addSubscriptions(-1)
	m.addClients(3)
	m.observeStoreOp("get", time.Now(), nil)
	m.observeStoreOp("get", time.Now(), errors.New("boom"))

	assert.Equal(t, 2.0, counterValue(t, m.publishedTotal))
	assert.Equal(t, 1.0, counterValue(t, m.deliveredTotal))
	assert.Equal(t, 1.0, counterValue(t, m.selfFilteredTotal))
	assert.Equal(t, 2.0, counterValue(t, m.errorsTotal.WithLabelValues(ErrorKindDecode)))
	assert.Equal(t, 1.0, counterValue(t, m.errorsTotal.WithLabelValues(ErrorKindPublish)))
	assert.Equal(t, 1.0, gaugeValue(t, m.subscriptionsActive))
	assert.Equal(t, 3.0, gaugeValue(t, m.clientsActive))
	assert.Equal(t, 1.0, counterValue(t, m.storeOpsTotal.WithLabelValues("get", "ok")))
	assert.Equal(t, 1.0, counterValue(t, m.storeOpsTotal.WithLabelValues("get", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.storeOpSeconds))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.recordPublished()
		m.recordDelivered()
		m.recordSelfFiltered()
		m.recordError(ErrorKindBackend)
		m.addSubscriptions(1)
		m.addClients(1)
		m.observeStoreOp("set", time.Now(), nil)
	})
}
