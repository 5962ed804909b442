package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.NotNil(t, m)
		assert.NotNil(t, m.RequestGranted)
		assert.NotNil(t, m.RequestDenied)
		assert.NotNil(t, m.RequestWaitMS)
	})
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RequestGranted.Inc()
	m.RequestGranted.Inc()
	m.RequestDenied.Inc()
	m.RequestError.Inc()
	m.TokensGrantedTotal.Add(2)
	m.TokensDeniedTotal.Inc()
	m.StoreErrorsTotal.Inc()

	assert.Equal(t, float64(2), counterValue(t, m.RequestGranted))
	assert.Equal(t, float64(1), counterValue(t, m.RequestDenied))
	assert.Equal(t, float64(1), counterValue(t, m.RequestError))
	assert.Equal(t, float64(2), counterValue(t, m.TokensGrantedTotal))
	assert.Equal(t, float64(1), counterValue(t, m.TokensDeniedTotal))
	assert.Equal(t, float64(1), counterValue(t, m.StoreErrorsTotal))
}

func TestMetricsGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.QueueDepth.Set(3)
	m.InflightRequests.Inc()
	m.InflightRequests.Inc()
	m.InflightRequests.Dec()

	assert.Equal(t, float64(3), gaugeValue(t, m.QueueDepth))
	assert.Equal(t, float64(1), gaugeValue(t, m.InflightRequests))
}

func TestIncObserved429(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncObserved429("global")
	m.IncObserved429("user")
	m.IncObserved429("shared")
	m.IncObserved429("")
	m.IncObserved429("bogus")

	assert.Equal(t, float64(1), testutilCounterVecValue(t, m.Observed429, "global"))
	assert.Equal(t, float64(1), testutilCounterVecValue(t, m.Observed429, "user"))
	assert.Equal(t, float64(1), testutilCounterVecValue(t, m.Observed429, "shared"))
	assert.Equal(t, float64(2), testutilCounterVecValue(t, m.Observed429, "unknown"))
}

func TestIncInvalid(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncInvalid(401)
	m.IncInvalid(401)
	m.IncInvalid(429)

	assert.Equal(t, float64(2), testutilCounterVecValue(t, m.InvalidByStatus, "401"))
	assert.Equal(t, float64(1), testutilCounterVecValue(t, m.InvalidByStatus, "429"))
}

func testutilCounterVecValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	return counterValue(t, vec.WithLabelValues(label))
}
