// Package metrics holds the Prometheus collectors of the relay server and the
// client's offline queue.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// HTTP collects relay request metrics.
type HTTP struct {
	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	MessagesStoredTotal    prometheus.Counter
	CiphertextBytes        prometheus.Histogram
}

// NewHTTP creates the relay collectors and registers them with reg when reg
// is not nil.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	m := &HTTP{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		MessagesStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_stored_total",
			Help: "Total number of stored messages.",
		}),
		CiphertextBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "messages_ciphertext_bytes",
			Help:    "Ciphertext sizes for stored messages.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.RequestDurationSeconds, m.MessagesStoredTotal, m.CiphertextBytes)
	}
	return m
}

// Queue collects offline queue metrics.
type Queue struct {
	EnqueuedTotal prometheus.Counter
	// AttemptsTotal is labelled by result: synced, retry, failed.
	AttemptsTotal *prometheus.CounterVec
	Pending       prometheus.Gauge
	Failed        prometheus.Gauge
}

// NewQueue creates the queue collectors and registers them with reg when reg
// is not nil.
func NewQueue(reg prometheus.Registerer) *Queue {
	m := &Queue{
		EnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_queue_enqueued_total",
			Help: "Total number of messages placed in the offline queue.",
		}),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_queue_attempts_total",
				Help: "Delivery attempts of queued messages by result.",
			},
			[]string{"result"},
		),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offline_queue_pending",
			Help: "Queued messages waiting for delivery.",
		}),
		Failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offline_queue_failed",
			Help: "Queued messages that exhausted their retries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EnqueuedTotal, m.AttemptsTotal, m.Pending, m.Failed)
	}
	return m
}
