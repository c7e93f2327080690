package inventory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/observability"
)

// InsertInfo describes a chunk pushed to the buffer.
type InsertInfo struct {
	Content manifest.Content
	// ChunkSize is the size of the chunk in bytes, nil when unknown.
	ChunkSize *int64
	// Start and End are the announced bounds of the chunk, in seconds.
	Start float64
	End   float64
}

// Inventory is the ordered list of segments believed to be in one media
// buffer. Entries never overlap and are sorted by start.
type Inventory struct {
	store   *config.Store
	logger  *slog.Logger
	now     func() time.Time
	history *BufferedHistory

	mu     sync.Mutex
	chunks []*BufferedChunk
}

// Option configures an Inventory.
type Option func(*Inventory)

// WithLogger sets the logger used by the inventory.
func WithLogger(logger *slog.Logger) Option {
	return func(inv *Inventory) {
		inv.logger = observability.ComponentLogger(logger, "inventory")
	}
}

// WithClock sets the clock used for insertion timestamps and history dates.
func WithClock(now func() time.Time) Option {
	return func(inv *Inventory) {
		inv.now = now
	}
}

// New creates an empty Inventory reading its tolerances from store.
func New(store *config.Store, opts ...Option) *Inventory {
	inv := &Inventory{
		store:  store,
		logger: observability.ComponentLogger(nil, "inventory"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(inv)
	}
	cfg := store.Current().Inventory
	inv.history = NewBufferedHistory(cfg.HistoryRetention, cfg.HistoryMaxEntries, inv.now)
	return inv
}

// Now returns the inventory clock's current time, to be used as insertion
// timestamp.
func (inv *Inventory) Now() time.Time {
	return inv.now()
}

// Reset forgets every entry. The history is cleared too.
func (inv *Inventory) Reset() {
	inv.mu.Lock()
	inv.chunks = nil
	inv.mu.Unlock()
	inv.history.reset()
}

// Inventory returns the live list of entries. It must not be modified nor
// read concurrently with another call on the inventory; use Snapshot for a
// copy safe to keep.
func (inv *Inventory) Inventory() []*BufferedChunk {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.chunks
}

// Snapshot returns a deep copy of the entries.
func (inv *Inventory) Snapshot() []BufferedChunk {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	out := make([]BufferedChunk, len(inv.chunks))
	for i, c := range inv.chunks {
		out[i] = *c
	}
	return out
}

// HistoryFor returns the history entries recorded for content's segment.
func (inv *Inventory) HistoryFor(content manifest.Content) []HistoryEntry {
	return inv.history.HistoryFor(content)
}

// InsertChunk records a chunk pushed to the buffer at insertionTs. Chunks
// from initialization segments and chunks with start >= end are ignored.
// Entries overlapping the new chunk are truncated, split or removed so that
// entries never overlap.
func (inv *Inventory) InsertChunk(info InsertInfo, succeeded bool, insertionTs time.Time) {
	seg := info.Content.Segment
	if seg == nil || seg.IsInit {
		return
	}
	logger := inv.logger.With(slog.String("track", string(info.Content.TrackType())))
	if info.Start >= info.End {
		logger.Warn("ignoring chunk ending before it starts",
			slog.Float64("start", info.Start),
			slog.Float64("end", info.End),
		)
		return
	}

	status := StatusPartiallyPushed
	if !succeeded {
		status = StatusFailed
	}
	nc := &BufferedChunk{
		Content:     info.Content,
		Start:       info.Start,
		End:         info.End,
		Status:      status,
		ChunkSize:   info.ChunkSize,
		InsertionTs: insertionTs,
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.insertLocked(nc, logger)
}

func (inv *Inventory) insertLocked(nc *BufferedChunk, logger *slog.Logger) {
	for i := len(inv.chunks) - 1; i >= 0; i-- {
		cur := inv.chunks[i]
		if cur.Start > nc.Start {
			continue
		}
		switch {
		case cur.End <= nc.Start:
			trace(logger, "chunk pushed after a previous one", slog.Float64("start", nc.Start))
			inv.chunks = slices.Insert(inv.chunks, i+1, nc)
			inv.trimFollowingLocked(i+2, nc, logger)

		case cur.Start == nc.Start && cur.End <= nc.End:
			trace(logger, "chunk pushed replaces another", slog.Float64("start", nc.Start))
			inv.chunks[i] = nc
			inv.trimFollowingLocked(i+1, nc, logger)

		case cur.Start == nc.Start:
			trace(logger, "chunk pushed ends before another with the same start", slog.Float64("start", nc.Start))
			cur.truncateStart(nc.End)
			inv.chunks = slices.Insert(inv.chunks, i, nc)

		case cur.End <= nc.End:
			trace(logger, "chunk pushed updates the end of the previous one", slog.Float64("start", nc.Start))
			cur.truncateEnd(nc.Start)
			inv.chunks = slices.Insert(inv.chunks, i+1, nc)
			inv.trimFollowingLocked(i+2, nc, logger)

		default:
			trace(logger, "chunk pushed splits another", slog.Float64("start", nc.Start))
			tail := *cur
			cur.truncateEnd(nc.Start)
			cur.Splitted = true
			tail.truncateStart(nc.End)
			tail.Splitted = true
			inv.chunks = slices.Insert(inv.chunks, i+1, nc, &tail)
		}
		return
	}

	if len(inv.chunks) == 0 {
		trace(logger, "first chunk pushed", slog.Float64("start", nc.Start))
		inv.chunks = append(inv.chunks, nc)
		return
	}

	first := inv.chunks[0]
	switch {
	case first.Start >= nc.End:
		trace(logger, "chunk pushed before every other", slog.Float64("start", nc.Start))
		inv.chunks = slices.Insert(inv.chunks, 0, nc)
	case first.End <= nc.End:
		trace(logger, "chunk pushed covers the first one", slog.Float64("start", nc.Start))
		inv.chunks[0] = nc
		inv.trimFollowingLocked(1, nc, logger)
	default:
		trace(logger, "chunk pushed updates the start of the first one", slog.Float64("start", nc.Start))
		first.truncateStart(nc.End)
		inv.chunks = slices.Insert(inv.chunks, 0, nc)
	}
}

// trimFollowingLocked removes or truncates the entries from index i which
// overlap nc.
func (inv *Inventory) trimFollowingLocked(i int, nc *BufferedChunk, logger *slog.Logger) {
	for i < len(inv.chunks) && inv.chunks[i].Start < nc.End {
		next := inv.chunks[i]
		if next.End > nc.End {
			trace(logger, "chunk pushed updates the start of the next one", slog.Float64("start", next.Start))
			next.truncateStart(nc.End)
			return
		}
		trace(logger, "chunk pushed removes the next one", slog.Float64("start", next.Start))
		inv.chunks = slices.Delete(inv.chunks, i, i+1)
	}
}

// CompleteSegment signals that every chunk of content's segment was pushed.
// Consecutive entries of that segment are merged into one FullyLoaded entry;
// when other entries sit between them the resulting entries are marked as
// splitted. Segments whose buffered range is already known are recorded in
// the history.
func (inv *Inventory) CompleteSegment(content manifest.Content) {
	if content.Segment == nil || content.Segment.IsInit {
		return
	}
	logger := inv.logger.With(slog.String("track", string(content.TrackType())))

	inv.mu.Lock()
	var completed []*BufferedChunk
	for i := 0; i < len(inv.chunks); i++ {
		if !manifest.SameContent(inv.chunks[i].Content, content) {
			continue
		}
		splitted := len(completed) > 0
		if len(completed) == 1 {
			logger.Warn("completed segment is splitted", slog.String("segment", content.Segment.ID))
			completed[0].Splitted = true
		}

		first := inv.chunks[i]
		size := first.ChunkSize
		j := i + 1
		for j < len(inv.chunks) && manifest.SameContent(inv.chunks[j].Content, content) {
			size = addSizes(size, inv.chunks[j].ChunkSize)
			j++
		}
		last := inv.chunks[j-1]
		first.End = last.End
		first.BufferedEnd = last.BufferedEnd
		first.PrecizeEnd = last.PrecizeEnd
		first.ChunkSize = size
		if j-i > 1 {
			inv.chunks = slices.Delete(inv.chunks, i+1, j)
		}
		if first.Status == StatusPartiallyPushed {
			first.Status = StatusFullyLoaded
		}
		first.Splitted = splitted
		completed = append(completed, first)
	}

	var records []Range
	for _, c := range completed {
		if c.BufferedStart != nil && c.BufferedEnd != nil && c.Status != StatusFailed {
			records = append(records, Range{Start: *c.BufferedStart, End: *c.BufferedEnd})
		}
	}
	inv.mu.Unlock()

	if len(completed) == 0 {
		logger.Warn("completed segment not found", slog.String("segment", content.Segment.ID))
		return
	}
	if len(records) == 0 {
		logger.Debug("buffered range unknown at completion, deferring history", slog.String("segment", content.Segment.ID))
	}
	for _, r := range records {
		inv.history.AddBufferedSegment(content, &r)
	}
}

// addSizes sums the known sizes. It returns nil only when both are unknown.
func addSizes(a, b *int64) *int64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	sum := *a + *b
	return &sum
}

// MissingDataAt reports whether the inventory believes position is buffered
// while ranges do not cover the following MissingDataTriggerDelay seconds,
// in which case the caller should synchronize the inventory again.
func (inv *Inventory) MissingDataAt(ranges []Range, position float64) bool {
	delay := inv.store.Current().Inventory.MissingDataTriggerDelay

	inv.mu.Lock()
	known := false
	for _, c := range inv.chunks {
		if c.bufferedOrStart() <= position && position < c.bufferedOrEnd() {
			known = true
			break
		}
	}
	inv.mu.Unlock()
	if !known {
		return false
	}

	for _, r := range ranges {
		if r.Start <= position && position+delay <= r.End {
			return false
		}
	}
	return true
}

// trace logs a chunk placement decision.
func trace(logger *slog.Logger, msg string, attrs ...any) {
	logger.Log(context.Background(), observability.LevelTrace, msg, attrs...)
}
