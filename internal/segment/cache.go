package segment

import (
	"sync"

	"github.com/canalplus/rx-player-sub017/internal/manifest"
)

type initKey struct {
	representation string
	segment        string
}

// InitCache keeps the last loaded initialization segment of each
// representation.
type InitCache struct {
	mu      sync.Mutex
	entries map[string]initEntry
}

type initEntry struct {
	segmentID string
	data      []byte
}

// NewInitCache creates an empty cache.
func NewInitCache() *InitCache {
	return &InitCache{entries: make(map[string]initEntry)}
}

func keyOf(content manifest.Content) (initKey, bool) {
	if content.Representation == nil || content.Segment == nil || !content.Segment.IsInit {
		return initKey{}, false
	}
	return initKey{representation: content.Representation.UniqueID, segment: content.Segment.ID}, true
}

// Get returns the cached data of content's init segment.
func (c *InitCache) Get(content manifest.Content) ([]byte, bool) {
	key, ok := keyOf(content)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.representation]
	if !ok || e.segmentID != key.segment {
		return nil, false
	}
	return e.data, true
}

// Add stores data as content's init segment, replacing any previous init
// segment of the same representation.
func (c *InitCache) Add(content manifest.Content, data []byte) {
	key, ok := keyOf(content)
	if !ok {
		return
	}
	c.mu.Lock()
	c.entries[key.representation] = initEntry{segmentID: key.segment, data: data}
	c.mu.Unlock()
}

