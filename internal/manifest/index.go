package manifest

import (
	"errors"
	"fmt"
	"slices"
)

// ErrIncompatibleIndex is returned when merging indexes of different kinds.
var ErrIncompatibleIndex = errors.New("incompatible representation index")

// RepresentationIndex gives access to the segments of a representation.
// Implementations are immutable.
type RepresentationIndex interface {
	// InitSegment returns the initialization segment, or nil.
	InitSegment() *Segment
	// Segments returns the segments overlapping [from, from+duration).
	Segments(from, duration float64) []*Segment
	// FirstPosition returns the start of the first segment.
	FirstPosition() (float64, bool)
	// LastPosition returns the end of the last segment.
	LastPosition() (float64, bool)
	// Merge returns a new index combining this one with a more recent,
	// possibly partial, one.
	Merge(newer RepresentationIndex) (RepresentationIndex, error)
}

// ListIndex is a RepresentationIndex backed by an explicit segment list.
type ListIndex struct {
	init     *Segment
	segments []*Segment
}

// NewListIndex creates an index. segments are sorted by time.
func NewListIndex(init *Segment, segments []*Segment) *ListIndex {
	sorted := slices.Clone(segments)
	slices.SortStableFunc(sorted, func(a, b *Segment) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
	return &ListIndex{init: init, segments: sorted}
}

// InitSegment implements RepresentationIndex.
func (l *ListIndex) InitSegment() *Segment { return l.init }

// All returns every media segment.
func (l *ListIndex) All() []*Segment { return slices.Clone(l.segments) }

// Segments implements RepresentationIndex.
func (l *ListIndex) Segments(from, duration float64) []*Segment {
	to := from + duration
	start, _ := slices.BinarySearchFunc(l.segments, from, func(s *Segment, pos float64) int {
		if s.End <= pos {
			return -1
		}
		return 1
	})
	var out []*Segment
	for _, s := range l.segments[start:] {
		if s.Time >= to {
			break
		}
		out = append(out, s)
	}
	return out
}

// FirstPosition implements RepresentationIndex.
func (l *ListIndex) FirstPosition() (float64, bool) {
	if len(l.segments) == 0 {
		return 0, false
	}
	return l.segments[0].Time, true
}

// LastPosition implements RepresentationIndex.
func (l *ListIndex) LastPosition() (float64, bool) {
	if len(l.segments) == 0 {
		return 0, false
	}
	return l.segments[len(l.segments)-1].End, true
}

// Merge implements RepresentationIndex. Segments of l starting before the
// first segment of newer are kept, newer provides the rest.
func (l *ListIndex) Merge(newer RepresentationIndex) (RepresentationIndex, error) {
	other, ok := newer.(*ListIndex)
	if !ok {
		return nil, fmt.Errorf("%w: cannot merge %T into list index", ErrIncompatibleIndex, newer)
	}
	if len(other.segments) == 0 {
		return l, nil
	}
	first := other.segments[0].Time
	if last, ok := l.LastPosition(); ok && last < first-1e-3 {
		return nil, fmt.Errorf("%w: gap between %.3f and %.3f", ErrIncompatibleIndex, last, first)
	}

	merged := make([]*Segment, 0, len(l.segments)+len(other.segments))
	for _, s := range l.segments {
		if s.Time >= first {
			break
		}
		merged = append(merged, s)
	}
	merged = append(merged, other.segments...)

	init := other.init
	if init == nil {
		init = l.init
	}
	return &ListIndex{init: init, segments: merged}, nil
}
