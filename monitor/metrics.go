package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/textify/dispatch-go/contracts"
)

// Metrics exposes delivery and connection counters. It implements
// queue.DeliveryObserver and rabbitmq.StateListener, so one instance wired
// into every service and the connection manager covers the whole pipeline.
type Metrics struct {
	published   *prometheus.CounterVec
	processed   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	rejected    *prometheus.CounterVec

	connectionUp prometheus.Gauge
	reconnects   prometheus.Counter
	exhausted    prometheus.Counter
}

// NewMetrics registers the metric families with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch", Name: "published_total",
			Help: "Envelopes published per queue, by outcome.",
		}, []string{"queue", "outcome"}),
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch", Name: "processed_total",
			Help: "Deliveries processed successfully per queue.",
		}, []string{"queue"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch", Name: "processing_duration_seconds",
			Help:    "Handler duration for successful deliveries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"queue"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch", Name: "retries_scheduled_total",
			Help: "Retries parked on a delay queue, per origin queue.",
		}, []string{"queue"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch", Name: "dead_letters_total",
			Help: "Deliveries forwarded to the dead-letter exchange, per origin queue.",
		}, []string{"queue"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch", Name: "rejected_total",
			Help: "Deliveries rejected outright (poison bodies, handler panics).",
		}, []string{"queue"}),
		connectionUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch", Name: "broker_connection_up",
			Help: "1 while the broker connection is established.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch", Name: "broker_reconnect_attempts_total",
			Help: "Reconnection attempts made against the broker.",
		}),
		exhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch", Name: "broker_reconnect_exhausted_total",
			Help: "Times the reconnection budget ran out.",
		}),
	}
}

// OnPublished implements queue.DeliveryObserver.
func (m *Metrics) OnPublished(queueName string, _ *contracts.Envelope, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.published.WithLabelValues(queueName, outcome).Inc()
}

// OnProcessed implements queue.DeliveryObserver.
func (m *Metrics) OnProcessed(queueName string, _ *contracts.Envelope, elapsed time.Duration) {
	m.processed.WithLabelValues(queueName).Inc()
	m.duration.WithLabelValues(queueName).Observe(elapsed.Seconds())
}

// OnRetryScheduled implements queue.DeliveryObserver.
func (m *Metrics) OnRetryScheduled(queueName string, _ *contracts.Envelope, _ int, _ time.Duration) {
	m.retries.WithLabelValues(queueName).Inc()
}

// OnDeadLettered implements queue.DeliveryObserver.
func (m *Metrics) OnDeadLettered(queueName string, _ *contracts.Envelope, _ string) {
	m.deadLetters.WithLabelValues(queueName).Inc()
}

// OnRejected implements queue.DeliveryObserver.
func (m *Metrics) OnRejected(queueName string, _ string) {
	m.rejected.WithLabelValues(queueName).Inc()
}

// OnConnected implements rabbitmq.StateListener.
func (m *Metrics) OnConnected() {
	m.connectionUp.Set(1)
}

// OnDisconnected implements rabbitmq.StateListener.
func (m *Metrics) OnDisconnected(error) {
	m.connectionUp.Set(0)
}

// OnReconnecting implements rabbitmq.StateListener.
func (m *Metrics) OnReconnecting(int) {
	m.reconnects.Inc()
}

// OnReconnectExhausted implements rabbitmq.StateListener.
func (m *Metrics) OnReconnectExhausted(error) {
	m.exhausted.Inc()
}
