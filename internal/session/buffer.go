package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/inventory"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/observability"
	"github.com/canalplus/rx-player-sub017/internal/segment"
	"github.com/canalplus/rx-player-sub017/internal/streamerr"
	"github.com/canalplus/rx-player-sub017/internal/taskprio"
)

// bufferGapTolerance is the largest hole in the buffer playback jumps over,
// in seconds.
const bufferGapTolerance = 0.1

// request is a segment request in flight.
type request struct {
	content  manifest.Content
	task     *taskprio.Task[struct{}]
	cancel   context.CancelFunc
	priority int

	mu       sync.Mutex
	parseErr error
	// timescale is set when an init segment was parsed.
	timescale *uint32
}

func (r *request) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parseErr == nil {
		r.parseErr = err
	}
}

type result struct {
	id  manifest.ContentID
	err error
}

// buffer downloads the segments of one buffer type.
type buffer struct {
	s          *Session
	bufferType manifest.TrackType
	fetcher    *segment.PrioritizedFetcher
	inventory  *inventory.Inventory
	sink       *MemorySink
	logger     *slog.Logger

	current       atomic.Pointer[manifest.Representation]
	inFlight      atomic.Int32
	interruptions atomic.Int64

	timescalesMu sync.Mutex
	timescales   map[string]*uint32

	// syncMu keeps sink changes and the inventory reconciliation that
	// follows them atomic, as chunks are pushed from fetch goroutines.
	syncMu sync.Mutex

	// Owned by the run goroutine.
	inflight   map[manifest.ContentID]*request
	initLoaded map[string]bool
	results    chan result
}

func newBuffer(s *Session, bt manifest.TrackType, fetcher *segment.PrioritizedFetcher, logger *slog.Logger) *buffer {
	return &buffer{
		s:          s,
		bufferType: bt,
		fetcher:    fetcher,
		inventory:  inventory.New(s.store, inventory.WithLogger(logger)),
		sink:       NewMemorySink(),
		logger:     observability.ComponentLogger(logger, "session").With(slog.String("buffer_type", string(bt))),
		timescales: make(map[string]*uint32),
		inflight:   make(map[manifest.ContentID]*request),
		initLoaded: make(map[string]bool),
		results:    make(chan result, 16),
	}
}

// active reports whether the buffer has a track to play.
func (b *buffer) active() bool {
	return b.current.Load() != nil
}

func (b *buffer) run(ctx context.Context) error {
	defer func() {
		for _, r := range b.inflight {
			r.cancel()
		}
	}()

	ticker := time.NewTicker(b.s.opts.TickInterval)
	defer ticker.Stop()
	for {
		done, err := b.tick(ctx)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case res := <-b.results:
			if err := b.handleResult(res); err != nil {
				return err
			}
		case <-ticker.C:
		}
	}
}

// tick schedules the requests needed around the playhead. It reports true
// once the whole content is buffered.
func (b *buffer) tick(ctx context.Context) (bool, error) {
	m := b.s.manifest.Manifest()
	if m == nil {
		return false, nil
	}
	pos := b.s.playhead.position()
	b.collectGarbage(pos)

	period := m.PeriodForTime(pos)
	if period == nil {
		if pos >= contentEnd(m) {
			return len(b.inflight) == 0, nil
		}
		return false, nil
	}
	adaptation := adaptationFor(period, b.bufferType)
	if adaptation == nil {
		b.current.Store(nil)
		return !m.IsDynamic && len(b.inflight) == 0, nil
	}

	estimate, known := b.s.bandwidth.Estimate()
	rep := SelectRepresentation(adaptation.Representations, estimate, known)
	if prev := b.current.Swap(rep); prev == nil || prev.UniqueID != rep.UniqueID {
		b.logger.Info("representation selected",
			slog.String("representation", rep.ID),
			slog.Int64("bitrate", rep.Bitrate),
			slog.Float64("estimate", estimate),
		)
	}
	if rep.Index == nil {
		return false, fmt.Errorf("%w: representation %s has no index", errBufferFailed, rep.UniqueID)
	}

	base := manifest.Content{Manifest: m, Period: period, Adaptation: adaptation, Representation: rep}
	if init := rep.Index.InitSegment(); init != nil && !b.initLoaded[rep.UniqueID] {
		c := base
		c.Segment = init
		b.request(ctx, c, 0)
		b.updatePriorities(pos)
		return false, nil
	}

	loaded := b.loadedSegments()
	for _, seg := range rep.Index.Segments(pos, b.s.opts.BufferGoal) {
		c := base
		c.Segment = seg
		id := c.ID()
		if loaded[id] {
			continue
		}
		if _, ok := b.inflight[id]; ok {
			continue
		}
		b.request(ctx, c, segment.PriorityForDistance(seg.Time-pos, b.s.store.Current().Prioritizer.SegmentPrioritySteps))
	}
	b.updatePriorities(pos)

	if m.IsDynamic {
		if last, ok := rep.Index.LastPosition(); ok && last-pos < b.s.opts.BufferGoal/2 {
			b.s.requestRefresh(m)
		}
	}

	end := contentEnd(m)
	return len(b.inflight) == 0 && pos+b.sink.BufferedAhead(pos, bufferGapTolerance) >= end-bufferGapTolerance, nil
}

// collectGarbage drops media behind the back buffer and reconciles the
// inventory with what remains.
func (b *buffer) collectGarbage(pos float64) {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	if limit := pos - b.s.opts.BackBuffer; limit > 0 {
		b.sink.Remove(0, limit)
	}
	ranges := b.sink.Ranges()
	if b.inventory.MissingDataAt(ranges, pos) {
		b.logger.Debug("inventory claims data missing from the buffer", slog.Float64("position", pos))
	}
	b.inventory.SynchronizeBuffered(ranges)
}

// loadedSegments returns the segments fully loaded in the inventory.
func (b *buffer) loadedSegments() map[manifest.ContentID]bool {
	out := make(map[manifest.ContentID]bool)
	for _, c := range b.inventory.Snapshot() {
		if c.Status == inventory.StatusFullyLoaded {
			out[c.ID()] = true
		}
	}
	return out
}

func (b *buffer) request(ctx context.Context, c manifest.Content, priority int) {
	id := c.ID()
	if _, ok := b.inflight[id]; ok {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &request{content: c, cancel: cancel, priority: priority}
	b.inflight[id] = r
	b.inFlight.Add(1)

	r.task = b.fetcher.CreateRequest(rctx, c, priority, segment.PrioritizedCallbacks{
		FetchCallbacks: segment.FetchCallbacks{
			OnChunk: func(ch *segment.Chunk) { b.push(r, ch) },
			OnRetry: func(err error) {
				b.s.metrics.ObserveSegmentRetry(b.bufferType)
				b.logger.Debug("retrying segment request",
					slog.String("segment", c.Segment.ID),
					slog.String("error", err.Error()),
				)
			},
		},
		BeforeInterrupted: func() {
			b.interruptions.Add(1)
			b.logger.Debug("segment request on hold", slog.String("segment", c.Segment.ID))
		},
	})

	go func() {
		_, err := r.task.Wait()
		select {
		case b.results <- result{id: id, err: err}:
		case <-ctx.Done():
		}
	}()
}

// push parses a loaded chunk, appends it to the sink and reconciles the
// inventory with the sink's new ranges.
func (b *buffer) push(r *request, ch *segment.Chunk) {
	c := r.content
	parsed, err := ch.Parse(b.timescale(c.Representation))
	if err != nil {
		r.fail(err)
		return
	}
	if parsed.IsInit {
		r.mu.Lock()
		r.timescale = parsed.InitTimescale
		r.mu.Unlock()
		return
	}

	start, end := c.Segment.Time, c.Segment.End
	if info := parsed.Info; info != nil {
		start = info.Time
		if info.Duration != nil {
			end = info.Time + *info.Duration
		}
	}
	size := int64(len(ch.Data()))
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	b.sink.Append(start, end, len(parsed.Data))
	b.inventory.InsertChunk(inventory.InsertInfo{
		Content:   c,
		ChunkSize: &size,
		Start:     start,
		End:       end,
	}, true, b.inventory.Now())
	b.inventory.SynchronizeBuffered(b.sink.Ranges())
}

func (b *buffer) timescale(rep *manifest.Representation) *uint32 {
	b.timescalesMu.Lock()
	defer b.timescalesMu.Unlock()
	return b.timescales[rep.UniqueID]
}

func (b *buffer) handleResult(res result) error {
	r, ok := b.inflight[res.id]
	if !ok {
		return nil
	}
	delete(b.inflight, res.id)
	b.inFlight.Add(-1)
	r.cancel()

	err := res.err
	if err == nil {
		r.mu.Lock()
		err = r.parseErr
		r.mu.Unlock()
	}
	b.s.metrics.ObserveSegmentRequest(b.bufferType, err)

	c := r.content
	switch {
	case err == nil && c.Segment.IsInit:
		r.mu.Lock()
		ts := r.timescale
		r.mu.Unlock()
		b.timescalesMu.Lock()
		b.timescales[c.Representation.UniqueID] = ts
		b.timescalesMu.Unlock()
		b.initLoaded[c.Representation.UniqueID] = true
	case err == nil:
		b.inventory.CompleteSegment(c)
	case streamerr.IsCancellation(err):
		b.logger.Debug("segment request cancelled", slog.String("segment", c.Segment.ID))
	default:
		return fmt.Errorf("%w: %s segment %s: %w", errBufferFailed, b.bufferType, c.Segment.ID, err)
	}
	return nil
}

// updatePriorities follows the playhead: requests get the priority of their
// new distance, those entirely behind it are cancelled.
func (b *buffer) updatePriorities(pos float64) {
	steps := b.s.store.Current().Prioritizer.SegmentPrioritySteps
	for _, r := range b.inflight {
		seg := r.content.Segment
		if !seg.IsInit && seg.End <= pos {
			r.cancel()
			continue
		}
		p := segment.PriorityForDistance(seg.Time-pos, steps)
		if seg.IsInit {
			p = 0
		}
		if p != r.priority {
			r.priority = p
			b.fetcher.UpdatePriority(r.task, p)
		}
	}
}
