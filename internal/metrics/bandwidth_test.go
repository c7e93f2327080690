package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canalplus/rx-player-sub017/internal/segment"
)

func TestBandwidthEstimator(t *testing.T) {
	tests := []struct {
		name    string
		window  int
		samples []bandwidthSample
		want    float64
		ok      bool
	}{
		{"empty", 3, nil, 0, false},
		{"single", 3, []bandwidthSample{{1000, time.Second}}, 8000, true},
		{"weighted by duration", 3, []bandwidthSample{{1000, time.Second}, {3000, time.Second}}, 16000, true},
		{"window drops oldest", 2, []bandwidthSample{{1e6, time.Second}, {1000, time.Second}, {1000, time.Second}}, 8000, true},
		{"ignores empty and instant requests", 3, []bandwidthSample{{0, time.Second}, {500, 0}, {1000, 500 * time.Millisecond}}, 16000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewBandwidthEstimator(tt.window)
			for _, s := range tt.samples {
				e.AddSample(s.bytes, s.duration)
			}
			got, ok := e.Estimate()
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestBandwidthEstimator_ObserveAndReset(t *testing.T) {
	e := NewBandwidthEstimator(0)
	e.Observe(segment.Metrics{Size: 250, RequestDuration: 100 * time.Millisecond})
	e.Observe(segment.Metrics{Size: 500, RequestDuration: 100 * time.Millisecond})

	assert.Equal(t, int64(750), e.TotalBytes())
	assert.InDeltaSlice(t, []float64{20000, 40000}, e.history(), 1e-6)

	e.Reset()
	assert.Zero(t, e.TotalBytes())
	assert.Nil(t, e.history())
	_, ok := e.Estimate()
	assert.False(t, ok)
}
