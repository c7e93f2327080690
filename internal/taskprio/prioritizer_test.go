package taskprio

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalplus/rx-player-sub017/internal/streamerr"
)

// gate is a task body that blocks until released or its run is cancelled.
type gate struct {
	release chan struct{}
	starts  atomic.Int32
	started chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (g *gate) fn(value string) TaskFunc[string] {
	return func(ctx context.Context) (string, error) {
		g.starts.Add(1)
		g.started <- struct{}{}
		select {
		case <-g.release:
			return value, nil
		case <-ctx.Done():
			return "", context.Cause(ctx)
		}
	}
}

func (g *gate) waitStart(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not start")
	}
}

func (g *gate) assertNotStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
		t.Fatal("task started unexpectedly")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestCreate_StartsImmediatelyWhenIdle(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 20})
	g := newGate()

	task := p.Create(context.Background(), g.fn("a"), 10, Callbacks{})
	g.waitStart(t)
	close(g.release)

	res, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, "a", res)

	running, waiting := p.Stats()
	assert.Zero(t, running)
	assert.Zero(t, waiting)
}

func TestCreate_LessUrgentTaskWaits(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 20})
	first, second := newGate(), newGate()

	a := p.Create(context.Background(), first.fn("a"), 5, Callbacks{})
	first.waitStart(t)

	b := p.Create(context.Background(), second.fn("b"), 10, Callbacks{})
	second.assertNotStarted(t)

	running, waiting := p.Stats()
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, waiting)

	close(first.release)
	_, err := a.Wait()
	require.NoError(t, err)

	second.waitStart(t)
	close(second.release)
	res, err := b.Wait()
	require.NoError(t, err)
	assert.Equal(t, "b", res)
}

func TestCreate_EqualPriorityRunsConcurrently(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 20})
	first, second := newGate(), newGate()

	p.Create(context.Background(), first.fn("a"), 5, Callbacks{})
	p.Create(context.Background(), second.fn("b"), 5, Callbacks{})
	first.waitStart(t)
	second.waitStart(t)

	running, _ := p.Stats()
	assert.Equal(t, 2, running)
	close(first.release)
	close(second.release)
}

func TestHighPriorityInterruptsLowPriority(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 5})
	low, high := newGate(), newGate()

	var interrupted, lowEnded atomic.Int32
	a := p.Create(context.Background(), low.fn("low"), 5, Callbacks{
		BeforeInterrupted: func() { interrupted.Add(1) },
		BeforeEnded:       func() { lowEnded.Add(1) },
	})
	low.waitStart(t)

	b := p.Create(context.Background(), high.fn("high"), 0, Callbacks{})
	high.waitStart(t)
	assert.Equal(t, int32(1), interrupted.Load())

	running, waiting := p.Stats()
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, waiting)

	close(high.release)
	res, err := b.Wait()
	require.NoError(t, err)
	assert.Equal(t, "high", res)

	// The interrupted task restarts from scratch.
	low.waitStart(t)
	assert.Equal(t, int32(2), low.starts.Load())
	close(low.release)

	res, err = a.Wait()
	require.NoError(t, err)
	assert.Equal(t, "low", res)
	assert.Equal(t, int32(1), lowEnded.Load())
}

func TestMediumPriorityIsNotInterrupted(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 20})
	medium, high := newGate(), newGate()

	var interrupted atomic.Int32
	p.Create(context.Background(), medium.fn("m"), 10, Callbacks{
		BeforeInterrupted: func() { interrupted.Add(1) },
	})
	medium.waitStart(t)

	p.Create(context.Background(), high.fn("h"), 0, Callbacks{})
	high.waitStart(t)

	running, _ := p.Stats()
	assert.Equal(t, 2, running)
	assert.Zero(t, interrupted.Load())
	close(medium.release)
	close(high.release)
}

func TestWaitingTasksStartInPriorityThenFIFOOrder(t *testing.T) {
	p := New[int](Steps{High: 0, Low: 100})
	blocker := make(chan struct{})
	first := p.Create(context.Background(), func(ctx context.Context) (int, error) {
		<-blocker
		return 0, nil
	}, 1, Callbacks{})

	var mu sync.Mutex
	var order []int
	record := func(id int) TaskFunc[int] {
		return func(context.Context) (int, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return id, nil
		}
	}

	tasks := []*Task[int]{
		p.Create(context.Background(), record(1), 30, Callbacks{}),
		p.Create(context.Background(), record(2), 20, Callbacks{}),
		p.Create(context.Background(), record(3), 30, Callbacks{}),
		p.Create(context.Background(), record(4), 10, Callbacks{}),
	}
	_, waiting := p.Stats()
	require.Equal(t, 4, waiting)

	close(blocker)
	_, err := first.Wait()
	require.NoError(t, err)
	for _, task := range tasks {
		_, err := task.Wait()
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	// Priority 10 then 20 start alone; both priority 30 tasks start together.
	require.Len(t, order, 4)
	assert.Equal(t, []int{4, 2}, order[:2])
	assert.ElementsMatch(t, []int{1, 3}, order[2:])
}

func TestUpdatePriority_WaitingTaskStarts(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 20})
	running, waiting := newGate(), newGate()

	p.Create(context.Background(), running.fn("r"), 5, Callbacks{})
	running.waitStart(t)

	w := p.Create(context.Background(), waiting.fn("w"), 15, Callbacks{})
	waiting.assertNotStarted(t)

	p.UpdatePriority(w, 5)
	waiting.waitStart(t)

	close(waiting.release)
	res, err := w.Wait()
	require.NoError(t, err)
	assert.Equal(t, "w", res)
	close(running.release)
}

func TestUpdatePriority_WaitingHighInterruptsLow(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 5})
	low, other := newGate(), newGate()

	var interrupted atomic.Int32
	p.Create(context.Background(), low.fn("low"), 5, Callbacks{
		BeforeInterrupted: func() { interrupted.Add(1) },
	})
	low.waitStart(t)

	w := p.Create(context.Background(), other.fn("o"), 8, Callbacks{})
	other.assertNotStarted(t)

	p.UpdatePriority(w, 0)
	other.waitStart(t)
	assert.Equal(t, int32(1), interrupted.Load())

	close(other.release)
	close(low.release)
}

func TestUpdatePriority_RunningTaskReleasesWaiting(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 50})
	first, second := newGate(), newGate()

	a := p.Create(context.Background(), first.fn("a"), 5, Callbacks{})
	first.waitStart(t)

	p.Create(context.Background(), second.fn("b"), 10, Callbacks{})
	second.assertNotStarted(t)

	// Making the running task less urgent than the waiting one lets it start.
	p.UpdatePriority(a, 30)
	second.waitStart(t)

	close(first.release)
	close(second.release)
}

func TestUpdatePriority_RunningBecomesHighInterruptsLow(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 5})
	low, medium := newGate(), newGate()

	var interrupted atomic.Int32
	p.Create(context.Background(), low.fn("low"), 5, Callbacks{
		BeforeInterrupted: func() { interrupted.Add(1) },
	})
	low.waitStart(t)
	m := p.Create(context.Background(), medium.fn("m"), 5, Callbacks{})
	medium.waitStart(t)

	p.UpdatePriority(m, 0)
	assert.Eventually(t, func() bool { return interrupted.Load() == 1 }, time.Second, 5*time.Millisecond)

	running, waiting := p.Stats()
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, waiting)
	close(medium.release)
	close(low.release)
}

func TestCancel_WaitingTask(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 20})
	blocker, waiting := newGate(), newGate()

	p.Create(context.Background(), blocker.fn("b"), 1, Callbacks{})
	blocker.waitStart(t)

	ended := atomic.Bool{}
	ctx, cancel := context.WithCancel(context.Background())
	w := p.Create(ctx, waiting.fn("w"), 10, Callbacks{BeforeEnded: func() { ended.Store(true) }})
	cancel()

	_, err := w.Wait()
	assert.True(t, streamerr.IsCancellation(err))
	assert.False(t, ended.Load())

	_, queued := p.Stats()
	assert.Zero(t, queued)

	close(blocker.release)
	waiting.assertNotStarted(t)
}

func TestCancel_RunningTaskStartsNext(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 20})
	first, second := newGate(), newGate()

	ctx, cancel := context.WithCancel(context.Background())
	a := p.Create(ctx, first.fn("a"), 1, Callbacks{})
	first.waitStart(t)

	b := p.Create(context.Background(), second.fn("b"), 10, Callbacks{})
	second.assertNotStarted(t)

	cancel()
	_, err := a.Wait()
	assert.True(t, streamerr.IsCancellation(err))

	second.waitStart(t)
	close(second.release)
	res, err := b.Wait()
	require.NoError(t, err)
	assert.Equal(t, "b", res)
}

func TestCreate_AlreadyCancelledContext(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 20})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := p.Create(ctx, func(context.Context) (string, error) {
		t.Fatal("must not run")
		return "", nil
	}, 0, Callbacks{})

	_, err := task.Wait()
	assert.True(t, streamerr.IsCancellation(err))
}

func TestObserver(t *testing.T) {
	var mu sync.Mutex
	var last [2]int
	p := New(Steps{High: 0, Low: 20}, WithObserver[string](func(running, waiting int) {
		mu.Lock()
		last = [2]int{running, waiting}
		mu.Unlock()
	}))

	g := newGate()
	task := p.Create(context.Background(), g.fn("a"), 3, Callbacks{})
	g.waitStart(t)

	mu.Lock()
	assert.Equal(t, [2]int{1, 0}, last)
	mu.Unlock()

	close(g.release)
	_, err := task.Wait()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == [2]int{0, 0}
	}, time.Second, 5*time.Millisecond)
}

func TestTaskPriority(t *testing.T) {
	p := New[string](Steps{High: 0, Low: 20})
	blocker, waiting := newGate(), newGate()

	p.Create(context.Background(), blocker.fn("b"), 1, Callbacks{})
	blocker.waitStart(t)
	w := p.Create(context.Background(), waiting.fn("w"), 10, Callbacks{})
	assert.Equal(t, 10, w.Priority())

	p.UpdatePriority(w, 7)
	assert.Equal(t, 7, w.Priority())

	close(blocker.release)
	close(waiting.release)
	_, err := w.Wait()
	require.NoError(t, err)
}
