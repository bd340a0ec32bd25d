// Package metrics exports upload and ingest counters to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "refmanager"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	uploadTargets   *prometheus.CounterVec
	ingested        *prometheus.CounterVec
	ingestFailures  *prometheus.CounterVec
	ingestDuration  prometheus.Histogram
	eventsPublished *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		uploadTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_targets_total",
			Help:      "Presigned upload targets issued, by result.",
		}, []string{"result"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_total",
			Help:      "Uploaded PDFs processed by the ingest worker, by outcome.",
		}, []string{"outcome"}),
		ingestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Ingest failures by stage.",
		}, []string{"stage"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time from object notification to published event.",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Citation events published to subscribers, by kind.",
		}, []string{"kind"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open citation event websocket connections.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "status"}),
	}
	collectors := []prometheus.Collector{
		m.uploadTargets, m.ingested, m.ingestFailures, m.ingestDuration,
		m.eventsPublished, m.wsConnections, m.httpRequests,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) UploadTargetIssued(err error) {
	if m == nil {
		return
	}
	m.uploadTargets.WithLabelValues(result(err)).Inc()
}

// Ingested records one processed upload; outcome is created, duplicate or skipped.
func (m *Metrics) Ingested(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(took.Seconds())
}

func (m *Metrics) IngestFailed(stage string) {
	if m == nil {
		return
	}
	m.ingestFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) WebSocketOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) WebSocketClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, fmt.Sprintf("%dxx", status/100)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
