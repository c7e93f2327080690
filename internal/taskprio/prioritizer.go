// Package taskprio schedules concurrent tasks by priority, interrupting
// low-priority tasks when high-priority ones start.
//
// A lower number means a more urgent task. A task whose priority is at most
// Steps.High is "high priority"; one whose priority is at least Steps.Low is
// "low priority" and may be interrupted. Interrupted tasks go back to the
// waiting queue and their function is invoked again from scratch later, so
// task functions must be restartable.
package taskprio

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/canalplus/rx-player-sub017/internal/observability"
	"github.com/canalplus/rx-player-sub017/internal/streamerr"
)

// errInterrupted is the cause given to the context of an interrupted run.
var errInterrupted = errors.New("task interrupted by a higher priority task")

// Steps holds the two priority thresholds.
type Steps struct {
	// High is the highPriorityCutoff: priority <= High is high priority.
	High int
	// Low is the lowPriorityCutoff: priority >= Low is low priority.
	Low int
}

// TaskFunc is the work of a task. ctx is cancelled when the run is
// interrupted or when the task is cancelled.
type TaskFunc[T any] func(ctx context.Context) (T, error)

// Callbacks are optional hooks called outside of any prioritizer lock.
type Callbacks struct {
	// BeforeInterrupted is called just before a running task is interrupted.
	BeforeInterrupted func()
	// BeforeEnded is called when the task function returned, before Wait unblocks.
	BeforeEnded func()
}

type taskState int

const (
	stateWaiting taskState = iota
	stateRunning
	stateFinished
)

// Task is the handle of a scheduled task.
type Task[T any] struct {
	owner    *sync.Mutex
	fn       TaskFunc[T]
	ctx      context.Context
	cb       Callbacks
	priority int
	seq      uint64

	state     taskState
	index     int // position in the waiting queue, -1 when not queued
	run       uint64
	cancelRun context.CancelCauseFunc
	stopWatch func() bool

	done   chan struct{}
	result T
	err    error
}

// Wait blocks until the task finished or was cancelled.
func (t *Task[T]) Wait() (T, error) {
	<-t.done
	return t.result, t.err
}

// Priority returns the current priority of the task.
func (t *Task[T]) Priority() int {
	if t.owner == nil {
		return t.priority
	}
	t.owner.Lock()
	defer t.owner.Unlock()
	return t.priority
}

// Done is closed once the task finished or was cancelled.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Prioritizer runs tasks according to their priority.
type Prioritizer[T any] struct {
	steps    Steps
	logger   *slog.Logger
	observer func(running, waiting int)

	mu         sync.Mutex
	waiting    waitQueue[T]
	running    []*Task[T]
	minPending *int
	nextSeq    uint64
}

// Option configures a Prioritizer.
type Option[T any] func(*Prioritizer[T])

// WithLogger sets the logger of the prioritizer.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Prioritizer[T]) {
		p.logger = observability.ComponentLogger(logger, "taskprio")
	}
}

// WithObserver registers fn, called with the number of running and waiting
// tasks after every scheduling change.
func WithObserver[T any](fn func(running, waiting int)) Option[T] {
	return func(p *Prioritizer[T]) {
		p.observer = fn
	}
}

// New creates a Prioritizer with the given thresholds.
func New[T any](steps Steps, opts ...Option[T]) *Prioritizer[T] {
	p := &Prioritizer[T]{
		steps:  steps,
		logger: observability.ComponentLogger(nil, "taskprio"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// effects collects the side effects decided under the lock, to be run after it
// is released: user callbacks may call back into the prioritizer.
type effects []func()

func (e effects) run() {
	for _, fn := range e {
		fn()
	}
}

// Create registers a task. It starts immediately when nothing is running or
// when priority is at least as urgent as every running task; otherwise it
// waits. Cancelling ctx removes the task wherever it is, without calling
// any callback, and makes Wait return a cancellation error.
func (p *Prioritizer[T]) Create(ctx context.Context, fn TaskFunc[T], priority int, cb Callbacks) *Task[T] {
	t := &Task[T]{
		fn:       fn,
		ctx:      ctx,
		cb:       cb,
		priority: priority,
		index:    -1,
		done:     make(chan struct{}),
	}

	if ctx.Err() != nil {
		t.state = stateFinished
		t.err = streamerr.Cancelled(ctx)
		close(t.done)
		return t
	}

	t.owner = &p.mu
	p.mu.Lock()
	t.seq = p.nextSeq
	p.nextSeq++
	var eff effects
	if p.canStartNowLocked(t) {
		eff = p.startWithInterruptsLocked(t)
	} else {
		t.state = stateWaiting
		heap.Push(&p.waiting, t)
	}
	t.stopWatch = context.AfterFunc(ctx, func() { p.cancel(t) })
	eff = append(eff, p.observeLocked())
	p.mu.Unlock()

	eff.run()
	return t
}

// UpdatePriority changes the priority of t. A waiting task may start right
// away; for a running task the change only affects later decisions.
func (p *Prioritizer[T]) UpdatePriority(t *Task[T], priority int) {
	p.mu.Lock()
	var eff effects
	switch t.state {
	case stateFinished:
		p.mu.Unlock()
		return

	case stateWaiting:
		if t.priority == priority {
			p.mu.Unlock()
			return
		}
		t.priority = priority
		heap.Fix(&p.waiting, t.index)
		if p.canStartNowLocked(t) {
			heap.Remove(&p.waiting, t.index)
			eff = p.startWithInterruptsLocked(t)
		}

	case stateRunning:
		if t.priority == priority {
			p.mu.Unlock()
			return
		}
		prev := t.priority
		t.priority = priority
		switch {
		case p.minPending == nil || priority < *p.minPending:
			p.minPending = &priority
		case *p.minPending == prev:
			p.minPending = p.computeMinPendingLocked()
			eff = p.loopWaitingLocked()
		default:
			p.mu.Unlock()
			return
		}
		if p.runningHighPriorityLocked() {
			eff = append(eff, p.interruptLowPriorityLocked()...)
		}
	}
	eff = append(eff, p.observeLocked())
	p.mu.Unlock()

	eff.run()
}

// Stats returns the number of running and waiting tasks.
func (p *Prioritizer[T]) Stats() (running, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running), len(p.waiting)
}

func (p *Prioritizer[T]) canStartNowLocked(t *Task[T]) bool {
	return p.minPending == nil || t.priority <= *p.minPending
}

func (p *Prioritizer[T]) runningHighPriorityLocked() bool {
	return p.minPending != nil && *p.minPending <= p.steps.High
}

// startWithInterruptsLocked starts t, interrupting low-priority tasks first
// when t is high priority.
func (p *Prioritizer[T]) startWithInterruptsLocked(t *Task[T]) effects {
	var eff effects
	if t.priority <= p.steps.High {
		eff = p.interruptLowPriorityLocked()
	}
	return append(eff, p.startLocked(t))
}

// startLocked marks t as running and returns the effect launching its run.
func (p *Prioritizer[T]) startLocked(t *Task[T]) func() {
	t.state = stateRunning
	p.running = append(p.running, t)
	if p.minPending == nil || t.priority < *p.minPending {
		prio := t.priority
		p.minPending = &prio
	}

	t.run++
	runID := t.run
	runCtx, cancel := context.WithCancelCause(t.ctx)
	t.cancelRun = cancel
	return func() { go p.execute(t, runID, runCtx) }
}

// interruptLowPriorityLocked moves every running low-priority task back to
// the waiting queue.
func (p *Prioritizer[T]) interruptLowPriorityLocked() effects {
	var eff effects
	kept := p.running[:0]
	for _, t := range p.running {
		if t.priority < p.steps.Low {
			kept = append(kept, t)
			continue
		}
		t.state = stateWaiting
		heap.Push(&p.waiting, t)
		cancel := t.cancelRun
		t.cancelRun = nil
		before := t.cb.BeforeInterrupted
		eff = append(eff, func() {
			if before != nil {
				before()
			}
			cancel(errInterrupted)
		})
		p.logger.Debug("interrupting low priority task", slog.Int("priority", t.priority))
	}
	clear(p.running[len(kept):])
	p.running = kept
	p.minPending = p.computeMinPendingLocked()
	return eff
}

// loopWaitingLocked starts every waiting task whose priority qualifies under
// the current minimum pending priority, most urgent first.
func (p *Prioritizer[T]) loopWaitingLocked() effects {
	var eff effects
	top := p.waiting.peek()
	if top == nil {
		return nil
	}
	minWaiting := top.priority
	if p.minPending != nil && *p.minPending < minWaiting {
		return nil
	}
	for {
		top = p.waiting.peek()
		if top == nil {
			return eff
		}
		limit := minWaiting
		if p.minPending != nil {
			limit = min(limit, *p.minPending)
		}
		if top.priority > limit {
			return eff
		}
		heap.Pop(&p.waiting)
		eff = append(eff, p.startLocked(top))
	}
}

func (p *Prioritizer[T]) computeMinPendingLocked() *int {
	if len(p.running) == 0 {
		return nil
	}
	m := p.running[0].priority
	for _, t := range p.running[1:] {
		m = min(m, t.priority)
	}
	return &m
}

func (p *Prioritizer[T]) removeRunningLocked(t *Task[T]) {
	if i := slices.Index(p.running, t); i >= 0 {
		p.running = slices.Delete(p.running, i, i+1)
	}
	p.minPending = p.computeMinPendingLocked()
}

func (p *Prioritizer[T]) observeLocked() func() {
	if p.observer == nil {
		return func() {}
	}
	running, waiting := len(p.running), len(p.waiting)
	return func() { p.observer(running, waiting) }
}

// execute runs one attempt of t. Results of interrupted or cancelled runs are
// discarded.
func (p *Prioritizer[T]) execute(t *Task[T], runID uint64, ctx context.Context) {
	res, err := t.fn(ctx)

	p.mu.Lock()
	if t.state != stateRunning || t.run != runID {
		p.mu.Unlock()
		return
	}
	t.state = stateFinished
	t.cancelRun(nil)
	t.result, t.err = res, err
	p.removeRunningLocked(t)
	stop := t.stopWatch
	eff := p.loopWaitingLocked()
	eff = append(eff, p.observeLocked())
	p.mu.Unlock()

	stop()
	if t.cb.BeforeEnded != nil {
		t.cb.BeforeEnded()
	}
	close(t.done)
	eff.run()
}

// cancel removes t for good after its context was cancelled.
func (p *Prioritizer[T]) cancel(t *Task[T]) {
	p.mu.Lock()
	var eff effects
	switch t.state {
	case stateFinished:
		p.mu.Unlock()
		return
	case stateWaiting:
		heap.Remove(&p.waiting, t.index)
	case stateRunning:
		t.cancelRun(streamerr.Cancelled(t.ctx))
		p.removeRunningLocked(t)
		eff = p.loopWaitingLocked()
	}
	t.state = stateFinished
	t.err = streamerr.Cancelled(t.ctx)
	eff = append(eff, p.observeLocked())
	p.mu.Unlock()

	close(t.done)
	eff.run()
}
