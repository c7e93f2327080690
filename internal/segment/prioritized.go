package segment

import (
	"context"

	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/taskprio"
)

// PrioritizedCallbacks are the callbacks of a prioritized request.
type PrioritizedCallbacks struct {
	FetchCallbacks
	// BeforeInterrupted is called when the request is interrupted by a
	// more urgent one. It is re-queued and will start again from scratch.
	BeforeInterrupted func()
	// BeforeEnded is called when the request finished, successfully or not.
	BeforeEnded func()
}

// PrioritizedFetcher schedules segment requests through a task prioritizer.
type PrioritizedFetcher struct {
	fetcher     *Fetcher
	prioritizer *taskprio.Prioritizer[struct{}]
}

// NewPrioritizedFetcher wraps fetcher so its requests are scheduled by
// prioritizer.
func NewPrioritizedFetcher(fetcher *Fetcher, prioritizer *taskprio.Prioritizer[struct{}]) *PrioritizedFetcher {
	return &PrioritizedFetcher{fetcher: fetcher, prioritizer: prioritizer}
}

// Fetcher returns the wrapped fetcher.
func (p *PrioritizedFetcher) Fetcher() *Fetcher {
	return p.fetcher
}

// CreateRequest schedules the loading of content with the given priority.
// Cancelling ctx removes the request wherever it is.
func (p *PrioritizedFetcher) CreateRequest(ctx context.Context, content manifest.Content, priority int, cb PrioritizedCallbacks) *taskprio.Task[struct{}] {
	return p.prioritizer.Create(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.fetcher.Fetch(ctx, content, cb.FetchCallbacks)
	}, priority, taskprio.Callbacks{
		BeforeInterrupted: cb.BeforeInterrupted,
		BeforeEnded:       cb.BeforeEnded,
	})
}

// UpdatePriority changes the priority of a request created by CreateRequest.
func (p *PrioritizedFetcher) UpdatePriority(task *taskprio.Task[struct{}], priority int) {
	p.prioritizer.UpdatePriority(task, priority)
}

// PriorityForDistance maps the distance in seconds between a segment and the
// playhead to a priority: the index of the first step greater than distance,
// or len(steps) past the last one. Segments behind the playhead get the
// highest priority.
func PriorityForDistance(distance float64, steps []float64) int {
	if distance < 0 {
		return 0
	}
	for i, step := range steps {
		if distance < step {
			return i
		}
	}
	return len(steps)
}
