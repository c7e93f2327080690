// Package inventory tracks the segments pushed to a media buffer and
// reconciles them with the ranges the buffer reports as actually buffered.
package inventory

import (
	"fmt"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/manifest"
)

// ChunkStatus is the push state of a BufferedChunk.
type ChunkStatus int

const (
	// StatusPartiallyPushed is set on insertion: the segment may still
	// receive chunks.
	StatusPartiallyPushed ChunkStatus = iota
	// StatusFullyLoaded is set once the segment was completed.
	StatusFullyLoaded
	// StatusFailed marks a chunk whose push failed.
	StatusFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusPartiallyPushed:
		return "partially_pushed"
	case StatusFullyLoaded:
		return "fully_loaded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("ChunkStatus(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ChunkStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Range is a buffered time range in seconds, End excluded.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// BufferedChunk is a piece of one segment pushed to the buffer.
type BufferedChunk struct {
	// Content identifies the segment. It is never modified by the inventory.
	Content manifest.Content `json:"-"`
	// Start and End are the announced bounds, adjusted when a more precise
	// value is inferred.
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	// BufferedStart and BufferedEnd are the bounds inferred from the buffer,
	// nil while unknown.
	BufferedStart *float64 `json:"buffered_start,omitempty"`
	BufferedEnd   *float64 `json:"buffered_end,omitempty"`
	// PrecizeStart and PrecizeEnd are set when Start and End are trusted.
	PrecizeStart bool        `json:"precize_start"`
	PrecizeEnd   bool        `json:"precize_end"`
	Status       ChunkStatus `json:"status"`
	// Splitted is set when the segment was cut by another one.
	Splitted bool `json:"splitted"`
	// ChunkSize is the size in bytes, nil when unknown.
	ChunkSize   *int64    `json:"chunk_size,omitempty"`
	InsertionTs time.Time `json:"insertion_ts"`
}

// ID returns the identity of the chunk's segment.
func (c *BufferedChunk) ID() manifest.ContentID {
	return c.Content.ID()
}

func (c *BufferedChunk) bufferedOrStart() float64 {
	if c.BufferedStart != nil {
		return *c.BufferedStart
	}
	return c.Start
}

func (c *BufferedChunk) bufferedOrEnd() float64 {
	if c.BufferedEnd != nil {
		return *c.BufferedEnd
	}
	return c.End
}

// truncateStart moves the start of c to at, forgetting what was known of
// its buffered start.
func (c *BufferedChunk) truncateStart(at float64) {
	c.Start = at
	c.BufferedStart = nil
	c.PrecizeStart = false
}

// truncateEnd moves the end of c to at, forgetting what was known of its
// buffered end.
func (c *BufferedChunk) truncateEnd(at float64) {
	c.End = at
	c.BufferedEnd = nil
	c.PrecizeEnd = false
}

func float(v float64) *float64 { return &v }
