package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/segment"
)

// DefaultBandwidthWindowSize is the default number of requests kept in the
// rolling window.
const DefaultBandwidthWindowSize = 10

// Requests shorter than this are too noisy to measure throughput.
const minSampleDuration = time.Millisecond

type bandwidthSample struct {
	bytes    int64
	duration time.Duration
}

// BandwidthEstimator estimates the network throughput from the last
// segment requests.
type BandwidthEstimator struct {
	totalBytes atomic.Int64

	mu         sync.RWMutex
	samples    []bandwidthSample
	windowSize int
}

// NewBandwidthEstimator creates an estimator keeping the last windowSize
// requests. A non-positive windowSize selects DefaultBandwidthWindowSize.
func NewBandwidthEstimator(windowSize int) *BandwidthEstimator {
	if windowSize <= 0 {
		windowSize = DefaultBandwidthWindowSize
	}
	return &BandwidthEstimator{
		samples:    make([]bandwidthSample, 0, windowSize),
		windowSize: windowSize,
	}
}

// AddSample records a request of size bytes which took duration.
func (e *BandwidthEstimator) AddSample(size int64, duration time.Duration) {
	if size <= 0 {
		return
	}
	e.totalBytes.Add(size)
	if duration < minSampleDuration {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, bandwidthSample{bytes: size, duration: duration})
	if len(e.samples) > e.windowSize {
		e.samples = e.samples[len(e.samples)-e.windowSize:]
	}
}

// Observe records the metrics of a segment request. It can be used as a
// segment.Lifecycle OnMetrics callback.
func (e *BandwidthEstimator) Observe(m segment.Metrics) {
	e.AddSample(m.Size, m.RequestDuration)
}

// Estimate returns the estimated throughput in bits per second, and false
// when no request was measured yet.
func (e *BandwidthEstimator) Estimate() (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.samples) == 0 {
		return 0, false
	}
	var bytes int64
	var elapsed time.Duration
	for _, s := range e.samples {
		bytes += s.bytes
		elapsed += s.duration
	}
	return float64(bytes*8) / elapsed.Seconds(), true
}

// history returns the throughput of each request in the window, oldest
// first, in bits per second.
func (e *BandwidthEstimator) history() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.samples) == 0 {
		return nil
	}
	history := make([]float64, len(e.samples))
	for i, s := range e.samples {
		history[i] = float64(s.bytes*8) / s.duration.Seconds()
	}
	return history
}

// TotalBytes returns the cumulative size of every recorded request.
func (e *BandwidthEstimator) TotalBytes() int64 {
	return e.totalBytes.Load()
}

// Reset clears all samples.
func (e *BandwidthEstimator) Reset() {
	e.totalBytes.Store(0)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = e.samples[:0]
}
