package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.OnPublished("task.process", nil, nil)
	m.OnPublished("task.process", nil, errors.New("broker gone"))
	m.OnProcessed("task.process", nil, 120*time.Millisecond)
	m.OnRetryScheduled("task.process", nil, 1, time.Second)
	m.OnDeadLettered("task.process", nil, "budget exhausted")
	m.OnRejected("task.process", "malformed")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.published.WithLabelValues("task.process", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.published.WithLabelValues("task.process", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.processed.WithLabelValues("task.process")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.retries.WithLabelValues("task.process")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deadLetters.WithLabelValues("task.process")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rejected.WithLabelValues("task.process")))
}

func TestMetricsConnectionState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.OnConnected()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectionUp))

	m.OnDisconnected(errors.New("gone"))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.connectionUp))

	m.OnReconnecting(1)
	m.OnReconnecting(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.reconnects))

	m.OnReconnectExhausted(errors.New("budget spent"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.exhausted))
}
