package inventory

import (
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
)

// deletedInfo is the end of the last entry garbage collected before the
// first entry of a range.
type deletedInfo struct {
	end        float64
	precizeEnd bool
}

type syncPass struct {
	inv    *Inventory
	cfg    config.InventoryConfig
	now    time.Time
	logger *slog.Logger
	// gced collects the entries removed without any buffered range.
	gced []*BufferedChunk
}

// SynchronizeBuffered reconciles the inventory with the ranges reported by
// the buffer, sorted and non-overlapping. Entries outside every range are
// considered garbage collected: those before a range are removed right away,
// those after the last range only once SynchronizationDelay elapsed since
// their insertion. Buffered bounds are inferred for the entries inside each
// range. Completed segments whose buffered range becomes known here are
// recorded in the history. Calling it twice with the same ranges leaves the
// inventory as the first call did.
func (inv *Inventory) SynchronizeBuffered(ranges []Range) {
	inv.mu.Lock()
	unknown := make(map[*BufferedChunk]bool)
	for _, c := range inv.chunks {
		if c.Status == StatusFullyLoaded && (c.BufferedStart == nil || c.BufferedEnd == nil) {
			unknown[c] = true
		}
	}
	p := &syncPass{
		inv:    inv,
		cfg:    inv.store.Current().Inventory,
		now:    inv.now(),
		logger: inv.logger,
	}
	if len(inv.chunks) > 0 {
		p.logger = inv.logger.With(slog.String("track", string(inv.chunks[0].Content.TrackType())))
	}
	p.run(ranges)
	gced := p.gced

	type known struct {
		content  manifest.Content
		buffered Range
	}
	var resolved []known
	for _, c := range inv.chunks {
		if unknown[c] && c.BufferedStart != nil && c.BufferedEnd != nil {
			resolved = append(resolved, known{c.Content, Range{Start: *c.BufferedStart, End: *c.BufferedEnd}})
		}
	}
	inv.mu.Unlock()

	for _, c := range gced {
		inv.history.AddBufferedSegment(c.Content, nil)
	}
	for _, k := range resolved {
		inv.history.AddBufferedSegment(k.content, &k.buffered)
	}
}

func (p *syncPass) run(ranges []Range) {
	minSize := p.cfg.MinimumSegmentSize
	idx := 0

	for ri, r := range ranges {
		if idx >= len(p.inv.chunks) {
			return
		}
		if r.End-r.Start < minSize {
			p.logger.Warn("skipping buffered range too small to synchronize",
				slog.Float64("start", r.Start),
				slog.Float64("end", r.End),
			)
			continue
		}

		// Entries ending before this range were garbage collected.
		before := idx
		for idx < len(p.inv.chunks) && p.inv.chunks[idx].bufferedOrEnd()-r.Start < minSize {
			idx++
		}
		var lastDeleted *deletedInfo
		if removed := idx - before; removed > 0 {
			last := p.inv.chunks[idx-1]
			lastDeleted = &deletedInfo{end: last.bufferedOrEnd(), precizeEnd: last.PrecizeEnd}
			p.logger.Debug("segments garbage collected", slog.Int("count", removed))
			p.remove(before, idx)
			idx = before
		}
		if idx >= len(p.inv.chunks) {
			return
		}

		cur := p.inv.chunks[idx]
		if r.End-cur.bufferedOrStart() < minSize {
			// The entry belongs to a later range.
			continue
		}
		p.guessStart(idx, r.Start, lastDeleted)

		if idx == len(p.inv.chunks)-1 {
			p.guessEnd(cur, r.End)
			return
		}
		idx++

		nextRangeStart := math.Inf(1)
		if ri < len(ranges)-1 {
			nextRangeStart = ranges[ri+1].Start
		}
		// Entries contiguous inside the range share their boundaries.
		for idx < len(p.inv.chunks) {
			next := p.inv.chunks[idx]
			nextStart, nextEnd := next.bufferedOrStart(), next.bufferedOrEnd()
			if r.End-nextStart < minSize {
				break
			}
			if !math.IsInf(nextRangeStart, 1) && r.End-nextStart < nextEnd-nextRangeStart {
				break
			}
			prev := p.inv.chunks[idx-1]
			if prev.BufferedEnd == nil {
				switch {
				case next.PrecizeStart:
					prev.BufferedEnd = float(next.Start)
				case prev.Content.Segment.Complete:
					prev.BufferedEnd = float(prev.End)
				default:
					// The announced end of an incomplete segment is less
					// reliable than the next start.
					prev.BufferedEnd = float(next.Start)
				}
				p.logger.Debug("inferred buffered end of contiguous segment",
					slog.Float64("start", prev.Start),
					slog.Float64("buffered_end", *prev.BufferedEnd),
				)
			}
			next.BufferedStart = float(*prev.BufferedEnd)
			idx++
		}

		p.guessEnd(p.inv.chunks[idx-1], r.End)
	}

	// Entries after the last range may not have been buffered yet.
	for i := idx; i < len(p.inv.chunks); {
		c := p.inv.chunks[i]
		if p.now.Sub(c.InsertionTs) >= p.cfg.SynchronizationDelay {
			p.logger.Debug("removing segment outside every buffered range",
				slog.Float64("start", c.Start),
				slog.Float64("end", c.End),
			)
			p.remove(i, i+1)
			continue
		}
		i++
	}
}

func (p *syncPass) remove(from, to int) {
	for _, c := range p.inv.chunks[from:to] {
		if c.BufferedStart == nil && c.BufferedEnd == nil && c.Status != StatusFailed {
			p.gced = append(p.gced, c)
		}
	}
	p.inv.chunks = slices.Delete(p.inv.chunks, from, to)
}

// guessStart infers the buffered start of the first entry of a range.
func (p *syncPass) guessStart(idx int, rangeStart float64, lastDeleted *deletedInfo) {
	c := p.inv.chunks[idx]
	maxDiff := p.cfg.MaxStartEndDifference

	switch {
	case c.BufferedStart != nil:
		if *c.BufferedStart < rangeStart {
			p.logger.Debug("segment partially garbage collected at the start",
				slog.Float64("buffered_start", *c.BufferedStart),
				slog.Float64("range_start", rangeStart),
			)
			c.BufferedStart = float(rangeStart)
		}
	case c.PrecizeStart:
		c.BufferedStart = float(max(c.Start, rangeStart))
	case lastDeleted != nil && lastDeleted.end > rangeStart &&
		(lastDeleted.precizeEnd || c.Start-lastDeleted.end <= maxDiff):
		c.BufferedStart = float(lastDeleted.end)
	case math.Abs(c.Start-rangeStart) <= maxDiff:
		c.BufferedStart = float(rangeStart)
	case rangeStart < c.Start:
		p.logger.Debug("range start too far from expected start",
			slog.Float64("start", c.Start),
			slog.Float64("range_start", rangeStart),
		)
		c.BufferedStart = float(c.Start)
	default:
		if p.now.Sub(c.InsertionTs) < p.cfg.SynchronizationDelay {
			return
		}
		p.logger.Debug("segment appears garbage collected at the start",
			slog.Float64("start", c.Start),
			slog.Float64("range_start", rangeStart),
		)
		c.BufferedStart = float(rangeStart)
	}

	if c.PrecizeStart || *c.BufferedStart >= c.End ||
		math.Abs(*c.BufferedStart-c.Start) > maxDiff || !p.durationConsistent(c) {
		return
	}
	if idx > 0 && p.inv.chunks[idx-1].End > *c.BufferedStart {
		return
	}
	c.PrecizeStart = true
	c.Start = *c.BufferedStart
}

// guessEnd infers the buffered end of the last entry of a range.
func (p *syncPass) guessEnd(c *BufferedChunk, rangeEnd float64) {
	maxDiff := p.cfg.MaxStartEndDifference

	switch {
	case c.BufferedEnd != nil:
		if *c.BufferedEnd > rangeEnd {
			p.logger.Debug("segment partially garbage collected at the end",
				slog.Float64("buffered_end", *c.BufferedEnd),
				slog.Float64("range_end", rangeEnd),
			)
			c.BufferedEnd = float(rangeEnd)
		}
	case c.PrecizeEnd:
		c.BufferedEnd = float(min(c.End, rangeEnd))
	case math.Abs(c.End-rangeEnd) <= maxDiff:
		c.BufferedEnd = float(rangeEnd)
	case rangeEnd > c.End:
		p.logger.Debug("range end too far from expected end",
			slog.Float64("end", c.End),
			slog.Float64("range_end", rangeEnd),
		)
		c.BufferedEnd = float(c.End)
	default:
		if p.now.Sub(c.InsertionTs) < p.cfg.SynchronizationDelay {
			return
		}
		p.logger.Debug("segment appears garbage collected at the end",
			slog.Float64("end", c.End),
			slog.Float64("range_end", rangeEnd),
		)
		c.BufferedEnd = float(rangeEnd)
	}
}

// durationConsistent reports whether the buffered duration of c, when
// known, matches its announced duration.
func (p *syncPass) durationConsistent(c *BufferedChunk) bool {
	if c.BufferedStart == nil || c.BufferedEnd == nil {
		return true
	}
	buffered := *c.BufferedEnd - *c.BufferedStart
	return math.Abs(buffered-(c.End-c.Start)) <= p.cfg.MaxDurationDifference
}
