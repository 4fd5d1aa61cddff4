// Package metrics exports sync protocol measurements to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace   = "chatsync"
	statusLabel = "status"
	resultLabel = "result"
)

// SnapshotCache is the view of the snapshot cache the gauges read from.
type SnapshotCache interface {
	Len() int
	Hits() int64
	Misses() int64
}

// Metrics holds the collectors registered for one server.
type Metrics struct {
	registry *prometheus.Registry

	pushMutationsTotal  *prometheus.CounterVec
	pullRequestsTotal   *prometheus.CounterVec
	pullDurationSeconds prometheus.Histogram
}

// NewMetrics creates a registry with process and Go collectors plus the sync metrics.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	return &Metrics{
		registry: reg,
		pushMutationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "mutations_total",
			Help:      "Mutations processed by push, by terminal status.",
		}, []string{statusLabel}),
		pullRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pull",
			Name:      "requests_total",
			Help:      "Pull requests served, by result.",
		}, []string{resultLabel}),
		pullDurationSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pull",
			Name:      "duration_seconds",
			Help:      "Time spent computing a pull response.",
			Buckets:   prometheus.DefBuckets,
		}),
	}, nil
}

// RecordMutation counts one processed mutation.
func (m *Metrics) RecordMutation(status string) {
	m.pushMutationsTotal.WithLabelValues(status).Inc()
}

// RecordPull counts one pull and observes its duration.
func (m *Metrics) RecordPull(result string, duration time.Duration) {
	m.pullRequestsTotal.WithLabelValues(result).Inc()
	m.pullDurationSeconds.Observe(duration.Seconds())
}

// RegisterSnapshotCache exposes the cache size and hit counters as gauges.
func (m *Metrics) RegisterSnapshotCache(cache SnapshotCache) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot_cache",
		Name:      "entries",
		Help:      "Snapshots currently held in the cache.",
	}, func() float64 { return float64(cache.Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot_cache",
		Name:      "hits",
		Help:      "Snapshot lookups that found an entry.",
	}, func() float64 { return float64(cache.Hits()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot_cache",
		Name:      "misses",
		Help:      "Snapshot lookups that found nothing.",
	}, func() float64 { return float64(cache.Misses()) })
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
