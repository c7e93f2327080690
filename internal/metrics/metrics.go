// Package metrics exposes the scheduling core's activity as Prometheus
// metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/segment"
	"github.com/canalplus/rx-player-sub017/internal/streamerr"
)

// Request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Metrics holds the Prometheus collectors of a session.
type Metrics struct {
	registry *prometheus.Registry

	segmentRequests *prometheus.CounterVec
	segmentRetries  *prometheus.CounterVec
	segmentBytes    *prometheus.CounterVec
	segmentDuration *prometheus.HistogramVec

	cdnPriorityChanges prometheus.Counter
	cdnDowngraded      prometheus.Gauge

	manifestRefreshes *prometheus.CounterVec
	manifestParse     prometheus.Histogram

	tasks     *prometheus.GaugeVec
	bandwidth prometheus.Gauge
}

// New creates and registers the metrics on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		segmentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_segment_requests_total",
			Help: "Segment requests by buffer type and outcome",
		}, []string{"buffer_type", "outcome"}),
		segmentRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_segment_retries_total",
			Help: "Segment request retries by buffer type",
		}, []string{"buffer_type"}),
		segmentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_segment_bytes_total",
			Help: "Bytes of loaded segments by buffer type",
		}, []string{"buffer_type"}),
		segmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamcore_segment_request_duration_seconds",
			Help:    "Duration of segment requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"buffer_type"}),
		cdnPriorityChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_cdn_priority_changes_total",
			Help: "CDN downgrades and downgrade expirations",
		}),
		cdnDowngraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_cdn_downgraded",
			Help: "Number of currently downgraded CDNs",
		}),
		manifestRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_manifest_refreshes_total",
			Help: "Manifest refreshes by kind",
		}, []string{"kind"}),
		manifestParse: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamcore_manifest_parse_duration_seconds",
			Help:    "Time spent parsing manifests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcore_prioritized_tasks",
			Help: "Prioritized segment requests by state",
		}, []string{"state"}),
		bandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_bandwidth_estimate_bits_per_second",
			Help: "Rolling bandwidth estimate",
		}),
	}

	m.registry.MustRegister(
		m.segmentRequests,
		m.segmentRetries,
		m.segmentBytes,
		m.segmentDuration,
		m.cdnPriorityChanges,
		m.cdnDowngraded,
		m.manifestRefreshes,
		m.manifestParse,
		m.tasks,
		m.bandwidth,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSegmentRequest counts a finished segment request.
func (m *Metrics) ObserveSegmentRequest(bufferType manifest.TrackType, err error) {
	m.segmentRequests.WithLabelValues(string(bufferType), outcomeOf(err)).Inc()
}

// ObserveSegmentRetry counts a segment request retry.
func (m *Metrics) ObserveSegmentRetry(bufferType manifest.TrackType) {
	m.segmentRetries.WithLabelValues(string(bufferType)).Inc()
}

// ObserveSegmentMetrics records the metrics reported by a segment fetcher.
func (m *Metrics) ObserveSegmentMetrics(sm segment.Metrics) {
	bt := string(sm.BufferType)
	m.segmentBytes.WithLabelValues(bt).Add(float64(sm.Size))
	m.segmentDuration.WithLabelValues(bt).Observe(sm.RequestDuration.Seconds())
}

// ObserveManifestRefresh records a manifest refresh. Its signature matches
// manifest.WithRefreshHook.
func (m *Metrics) ObserveManifestRefresh(kind manifest.RefreshKind, parseTime time.Duration) {
	m.manifestRefreshes.WithLabelValues(string(kind)).Inc()
	if kind != manifest.RefreshFailedPartial {
		m.manifestParse.Observe(parseTime.Seconds())
	}
}

// ObserveTasks records the prioritized task counts. Its signature matches
// taskprio.WithObserver.
func (m *Metrics) ObserveTasks(running, waiting int) {
	m.tasks.WithLabelValues("running").Set(float64(running))
	m.tasks.WithLabelValues("waiting").Set(float64(waiting))
}

// SetBandwidth records the current bandwidth estimate.
func (m *Metrics) SetBandwidth(bps float64) {
	m.bandwidth.Set(bps)
}

// WatchCDN follows the priority changes of p. The returned function stops
// watching.
func (m *Metrics) WatchCDN(p *cdn.Prioritizer) func() {
	return p.OnPriorityChange(func() {
		m.cdnPriorityChanges.Inc()
		m.cdnDowngraded.Set(float64(len(p.Downgraded())))
	})
}

// Lifecycle returns segment lifecycle callbacks recording metrics, chaining
// to next.
func (m *Metrics) Lifecycle(next segment.Lifecycle) segment.Lifecycle {
	lc := next
	lc.OnMetrics = func(sm segment.Metrics) {
		m.ObserveSegmentMetrics(sm)
		if next.OnMetrics != nil {
			next.OnMetrics(sm)
		}
	}
	return lc
}

// Handler returns an http.Handler serving the registry. updateGauges, when
// set, is called before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case streamerr.IsCancellation(err):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
