package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/segment"
	"github.com/canalplus/rx-player-sub017/internal/streamerr"
)

func TestMetrics_SegmentRequests(t *testing.T) {
	m := New()

	m.ObserveSegmentRequest(manifest.TrackVideo, nil)
	m.ObserveSegmentRequest(manifest.TrackVideo, nil)
	m.ObserveSegmentRequest(manifest.TrackVideo, errors.New("boom"))
	m.ObserveSegmentRequest(manifest.TrackAudio, streamerr.Cancelled(context.Background()))
	m.ObserveSegmentRetry(manifest.TrackAudio)

	tests := []struct {
		bufferType manifest.TrackType
		outcome    string
		want       float64
	}{
		{manifest.TrackVideo, OutcomeSuccess, 2},
		{manifest.TrackVideo, OutcomeError, 1},
		{manifest.TrackAudio, OutcomeCancelled, 1},
		{manifest.TrackAudio, OutcomeSuccess, 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.segmentRequests.WithLabelValues(string(tt.bufferType), tt.outcome))
		assert.Equal(t, tt.want, got, "%s/%s", tt.bufferType, tt.outcome)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.segmentRetries.WithLabelValues("audio")))
}

func TestMetrics_LifecycleChains(t *testing.T) {
	m := New()
	var seen []segment.Metrics
	lc := m.Lifecycle(segment.Lifecycle{OnMetrics: func(sm segment.Metrics) { seen = append(seen, sm) }})

	lc.OnMetrics(segment.Metrics{BufferType: manifest.TrackVideo, Size: 1000, RequestDuration: 100 * time.Millisecond})

	require.Len(t, seen, 1)
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.segmentBytes.WithLabelValues("video")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.segmentDuration))

	bare := m.Lifecycle(segment.Lifecycle{})
	require.NotNil(t, bare.OnMetrics)
	bare.OnMetrics(segment.Metrics{BufferType: manifest.TrackVideo, Size: 24})
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.segmentBytes.WithLabelValues("video")))
}

func TestMetrics_ManifestAndTasks(t *testing.T) {
	m := New()
	m.ObserveManifestRefresh(manifest.RefreshFull, 5*time.Millisecond)
	m.ObserveManifestRefresh(manifest.RefreshPartial, time.Millisecond)
	m.ObserveManifestRefresh(manifest.RefreshFailedPartial, 0)
	m.ObserveTasks(2, 5)
	m.SetBandwidth(4e6)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.manifestRefreshes.WithLabelValues("failed_partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.manifestRefreshes.WithLabelValues("partial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues("running")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.tasks.WithLabelValues("waiting")))
	assert.Equal(t, 4e6, testutil.ToFloat64(m.bandwidth))
}

func TestMetrics_WatchCDN(t *testing.T) {
	m := New()
	p := cdn.NewPrioritizer(config.NewStore(nil))
	defer p.Dispose()
	stop := m.WatchCDN(p)

	p.Downgrade(cdn.Metadata{ID: "a"})
	p.Downgrade(cdn.Metadata{ID: "b"})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cdnPriorityChanges))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cdnDowngraded))

	stop()
	p.Downgrade(cdn.Metadata{ID: "c"})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cdnPriorityChanges))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	calls := 0
	server := httptest.NewServer(m.Handler(func() {
		calls++
		m.SetBandwidth(123)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, calls)
	assert.Contains(t, string(body), "streamcore_bandwidth_estimate_bits_per_second 123")
}
