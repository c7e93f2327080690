package segment

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/streamerr"
	"github.com/canalplus/rx-player-sub017/internal/taskprio"
)

func TestPriorityForDistance(t *testing.T) {
	steps := []float64{2, 4, 8, 12, 15, 20}
	tests := []struct {
		distance float64
		want     int
	}{
		{-3, 0},
		{0, 0},
		{1.9, 0},
		{2, 1},
		{7.5, 2},
		{19.99, 5},
		{20, 6},
		{300, 6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PriorityForDistance(tt.distance, steps), "distance %v", tt.distance)
	}
	assert.Equal(t, 0, PriorityForDistance(10, nil))
}

func TestPrioritizedFetcher_CreateRequest(t *testing.T) {
	rec := &recorder{}
	f := newTestFetcher(t, manifest.TrackVideo, &fakeLoader{fn: loaded([]byte{2}, 10)}, rec, nil)
	pf := NewPrioritizedFetcher(f, taskprio.New[struct{}](taskprio.Steps{High: 1, Low: 3}))

	var ended atomic.Bool
	task := pf.CreateRequest(context.Background(), testContent("s1", false), 2, PrioritizedCallbacks{
		FetchCallbacks: rec.callbacks(),
		BeforeEnded:    func() { ended.Store(true) },
	})
	_, err := task.Wait()
	require.NoError(t, err)
	assert.True(t, ended.Load())
	assert.Len(t, rec.chunks, 1)
	assert.Equal(t, 1, rec.received)
	assert.Same(t, f, pf.Fetcher())
}

func TestPrioritizedFetcher_InterruptedRequestRestarts(t *testing.T) {
	release := make(chan struct{})
	var lowStarts atomic.Int32
	loader := &fakeLoader{fn: func(ctx context.Context, origin *cdn.Metadata, _ LoaderCallbacks) (LoadResult, error) {
		select {
		case <-release:
			return LoadResult{Type: ResultLoaded, Data: []byte{1}}, nil
		case <-ctx.Done():
			return LoadResult{}, ctx.Err()
		}
	}}
	rec := &recorder{}
	f := newTestFetcher(t, manifest.TrackVideo, loader, rec, nil)
	pf := NewPrioritizedFetcher(f, taskprio.New[struct{}](taskprio.Steps{High: 0, Low: 5}))

	var interrupted atomic.Int32
	low := pf.CreateRequest(context.Background(), testContent("low", false), 5, PrioritizedCallbacks{
		FetchCallbacks: FetchCallbacks{OnChunk: func(*Chunk) { lowStarts.Add(1) }},
		BeforeInterrupted: func() {
			interrupted.Add(1)
		},
	})
	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, time.Second, time.Millisecond)

	high := pf.CreateRequest(context.Background(), testContent("high", false), 0, PrioritizedCallbacks{})
	require.Eventually(t, func() bool { return interrupted.Load() == 1 }, time.Second, time.Millisecond)

	close(release)
	_, err := high.Wait()
	require.NoError(t, err)
	_, err = low.Wait()
	require.NoError(t, err)
	assert.Equal(t, int32(1), lowStarts.Load())
	assert.GreaterOrEqual(t, loader.calls.Load(), int32(3))
}

func TestPrioritizedFetcher_CancelledRequest(t *testing.T) {
	rec := &recorder{}
	loader := &fakeLoader{fn: func(ctx context.Context, _ *cdn.Metadata, _ LoaderCallbacks) (LoadResult, error) {
		<-ctx.Done()
		return LoadResult{}, ctx.Err()
	}}
	f := newTestFetcher(t, manifest.TrackVideo, loader, rec, nil)
	pf := NewPrioritizedFetcher(f, taskprio.New[struct{}](taskprio.Steps{High: 1, Low: 3}))

	ctx, cancel := context.WithCancel(context.Background())
	task := pf.CreateRequest(ctx, testContent("s1", false), 2, PrioritizedCallbacks{})
	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	_, err := task.Wait()
	assert.True(t, streamerr.IsCancellation(err))
}
