package inventory

import (
	"slices"
	"sync"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/manifest"
)

// HistoryEntry records where a segment ended up once its buffered range was
// known. A nil Buffered means the segment was garbage collected before any
// range could be associated with it.
type HistoryEntry struct {
	Date     time.Time        `json:"date"`
	Buffered *Range           `json:"buffered"`
	Content  manifest.Content `json:"-"`
}

// BufferedHistory keeps recent HistoryEntry values, bounded both in age and
// in count. Entries are ordered by date.
type BufferedHistory struct {
	retention  time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries []HistoryEntry
}

// NewBufferedHistory creates a history keeping entries for retention, with
// at most maxEntries of them.
func NewBufferedHistory(retention time.Duration, maxEntries int, now func() time.Time) *BufferedHistory {
	if now == nil {
		now = time.Now
	}
	return &BufferedHistory{retention: retention, maxEntries: maxEntries, now: now}
}

// AddBufferedSegment appends an entry for content, then drops entries older than the
// retention and finally the oldest ones over the maximum count.
func (h *BufferedHistory) AddBufferedSegment(content manifest.Content, buffered *Range) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.entries = append(h.entries, HistoryEntry{Date: now, Buffered: buffered, Content: content})

	limit := now.Add(-h.retention)
	expired := 0
	for _, e := range h.entries {
		if !e.Date.Before(limit) {
			break
		}
		expired++
	}
	if expired > 0 {
		h.entries = slices.Delete(h.entries, 0, expired)
	}
	if over := len(h.entries) - h.maxEntries; h.maxEntries > 0 && over > 0 {
		h.entries = slices.Delete(h.entries, 0, over)
	}
}

// HistoryFor returns the entries recorded for the same segment as content, oldest
// first.
func (h *BufferedHistory) HistoryFor(content manifest.Content) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []HistoryEntry
	for _, e := range h.entries {
		if manifest.SameContent(e.Content, content) {
			out = append(out, e)
		}
	}
	return out
}

func (h *BufferedHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *BufferedHistory) reset() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}
