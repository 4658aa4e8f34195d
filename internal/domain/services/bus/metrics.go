package bus

import "github.com/prometheus/client_golang/prometheus"

// metrics is the internal half of the externally-owned admin/metrics surface
// (SPEC_FULL supplement #2): the Bus builds these unconditionally and only
// registers them against a caller-supplied prometheus.Registerer, never
// serving /metrics itself.
type metrics struct {
	sent       prometheus.Counter
	delivered  prometheus.Counter
	failed     prometheus.Counter
	retried    prometheus.Counter
	queueSize  prometheus.Gauge
	deliveryMS prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantflow_bus_messages_sent_total",
			Help: "Total messages enqueued onto the bus.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantflow_bus_messages_delivered_total",
			Help: "Total messages successfully delivered.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantflow_bus_messages_failed_total",
			Help: "Total messages dropped after exhausting retries.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantflow_bus_messages_retried_total",
			Help: "Total retry attempts due to unavailable recipients.",
		}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grantflow_bus_queue_size",
			Help: "Current number of messages waiting in the bus queue.",
		}),
		deliveryMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grantflow_bus_delivery_duration_ms",
			Help:    "Time from enqueue to delivery, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.delivered, m.failed, m.retried, m.queueSize, m.deliveryMS)
	}
	return m
}
