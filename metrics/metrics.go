package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several instances can coexist in tests.
// A nil *Metrics records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	deliveries      *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	inbound         *prometheus.CounterVec
	requestsIn      *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	enqueued        prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedcore_deliveries_total",
		Help: "Delivery attempts by outcome (delivered, retried, failed, cancelled).",
	}, []string{"outcome"})

	m.deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fedcore_delivery_duration_seconds",
		Help:    "Duration in seconds of outbound deliveries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"activity"})

	m.inbound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedcore_inbound_activities_total",
		Help: "Inbound activities by type and outcome.",
	}, []string{"type", "outcome"})

	m.requestsIn = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "fedcore_http_requests_in_duration_seconds",
		Help: "Duration in seconds of requests served.",
	}, []string{"route"})

	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fedcore_delivery_queue_depth",
		Help: "Delivery jobs per state.",
	}, []string{"state"})

	m.enqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedcore_deliveries_enqueued_total",
		Help: "Delivery jobs created.",
	})

	m.registry.MustRegister(m.deliveries, m.deliveryLatency, m.inbound, m.requestsIn, m.queueDepth, m.enqueued,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Register adds an extra collector, such as a cache hit counter.
func (m *Metrics) Register(c prometheus.Collector) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(c)
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Enqueued(n int) {
	if m == nil {
		return
	}
	m.enqueued.Add(float64(n))
}

func (m *Metrics) Inbound(activityType, outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(activityType, outcome).Inc()
}

func (m *Metrics) QueueDepth(state string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(state).Set(float64(n))
}

// Observer measures one timed operation.
type Observer struct {
	start time.Time
	hist  prometheus.Observer
}

// Finish records the elapsed time; it is a no-op on a nil receiver.
func (o *Observer) Finish() {
	if o == nil {
		return
	}
	o.hist.Observe(time.Since(o.start).Seconds())
}

func (m *Metrics) StartDelivery(activityType string) *Observer {
	if m == nil {
		return nil
	}
	return &Observer{start: time.Now(), hist: m.deliveryLatency.WithLabelValues(activityType)}
}

func (m *Metrics) StartRequestIn(route string) *Observer {
	if m == nil {
		return nil
	}
	return &Observer{start: time.Now(), hist: m.requestsIn.WithLabelValues(route)}
}
