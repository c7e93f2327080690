package session

import (
	"slices"
	"sync"

	"github.com/canalplus/rx-player-sub017/internal/inventory"
)

// MemorySink stands in for a media buffer: it only remembers which time
// ranges were pushed and how many bytes they hold.
type MemorySink struct {
	mu     sync.Mutex
	ranges []inventory.Range
	bytes  int64
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append adds [start, end) to the buffered ranges.
func (s *MemorySink) Append(start, end float64, size int) {
	if end <= start {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bytes += int64(size)
	i, _ := slices.BinarySearchFunc(s.ranges, start, func(r inventory.Range, t float64) int {
		if r.End < t {
			return -1
		}
		return 1
	})
	j := i
	for j < len(s.ranges) && s.ranges[j].Start <= end {
		start = min(start, s.ranges[j].Start)
		end = max(end, s.ranges[j].End)
		j++
	}
	s.ranges = slices.Replace(s.ranges, i, j, inventory.Range{Start: start, End: end})
}

// Remove drops [start, end) from the buffered ranges.
func (s *MemorySink) Remove(start, end float64) {
	if end <= start {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.ranges[:0:0]
	for _, r := range s.ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, inventory.Range{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, inventory.Range{Start: end, End: r.End})
		}
	}
	s.ranges = out
}

// Ranges returns a copy of the buffered ranges, sorted.
func (s *MemorySink) Ranges() []inventory.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ranges)
}

// BufferedAhead returns how many seconds are buffered contiguously from
// position, with a tolerance of gap seconds for holes.
func (s *MemorySink) BufferedAhead(position, gap float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := position
	for _, r := range s.ranges {
		if r.End <= end {
			continue
		}
		if r.Start > end+gap {
			break
		}
		end = r.End
	}
	return end - position
}

// Bytes returns the cumulative size of the appended data.
func (s *MemorySink) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
