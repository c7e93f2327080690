// Package cdn tracks failing origins and orders candidate CDNs accordingly.
package cdn

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/observability"
	"github.com/canalplus/rx-player-sub017/pkg/event"
)

// Metadata identifies one origin able to serve a resource.
type Metadata struct {
	// ID is an opaque identifier, empty when the origin is only known by URL.
	ID      string `json:"id,omitempty"`
	BaseURL string `json:"base_url"`
}

// Same reports whether m and other designate the same origin. When m has an
// ID the comparison is done on IDs, otherwise on base URLs.
func (m Metadata) Same(other Metadata) bool {
	if m.ID != "" {
		return m.ID == other.ID
	}
	return m.BaseURL == other.BaseURL
}

// String returns the most specific label of the origin.
func (m Metadata) String() string {
	if m.ID != "" {
		return m.ID
	}
	return m.BaseURL
}

type downgrade struct {
	cdn   Metadata
	timer *time.Timer
}

// Prioritizer keeps the list of temporarily downgraded CDNs.
type Prioritizer struct {
	store  *config.Store
	logger *slog.Logger

	mu         sync.Mutex
	downgraded []*downgrade
	disposed   bool

	priorityChange event.Emitter[struct{}]
}

// Option configures a Prioritizer.
type Option func(*Prioritizer)

// WithLogger sets the logger used by the prioritizer.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Prioritizer) {
		p.logger = observability.ComponentLogger(logger, "cdn")
	}
}

// NewPrioritizer creates a Prioritizer reading its downgrade duration from store.
func NewPrioritizer(store *config.Store, opts ...Option) *Prioritizer {
	p := &Prioritizer{
		store:  store,
		logger: observability.ComponentLogger(nil, "cdn"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PreferenceFor returns all reordered so that downgraded CDNs come last.
// Relative order is otherwise preserved. Callers must pass every CDN able to
// serve the resource. The returned slice is always a fresh copy.
func (p *Prioritizer) PreferenceFor(all []Metadata) []Metadata {
	if len(all) <= 1 {
		return slices.Clone(all)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	allowed := make([]Metadata, 0, len(all))
	var demoted []Metadata
	for _, c := range all {
		if p.indexOfLocked(c) >= 0 {
			demoted = append(demoted, c)
		} else {
			allowed = append(allowed, c)
		}
	}
	return append(allowed, demoted...)
}

// Downgrade marks m as failing for the configured downgrade time. A CDN that
// is already downgraded has its timer restarted.
func (p *Prioritizer) Downgrade(m Metadata) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	if i := p.indexOfLocked(m); i >= 0 {
		p.downgraded[i].timer.Stop()
		p.downgraded = slices.Delete(p.downgraded, i, i+1)
	}

	delay := p.store.Current().CDN.DowngradeTime
	entry := &downgrade{cdn: m}
	entry.timer = time.AfterFunc(delay, func() { p.expire(entry) })
	p.downgraded = append(p.downgraded, entry)
	p.mu.Unlock()

	p.logger.Info("downgrading cdn",
		slog.String("cdn", m.String()),
		slog.Duration("for", delay),
	)
	p.priorityChange.Emit(struct{}{})
}

func (p *Prioritizer) expire(entry *downgrade) {
	p.mu.Lock()
	i := slices.Index(p.downgraded, entry)
	if i < 0 {
		// Restarted or disposed in the meantime.
		p.mu.Unlock()
		return
	}
	p.downgraded = slices.Delete(p.downgraded, i, i+1)
	p.mu.Unlock()

	p.logger.Debug("cdn downgrade expired", slog.String("cdn", entry.cdn.String()))
	p.priorityChange.Emit(struct{}{})
}

// IsDowngraded reports whether m is currently downgraded.
func (p *Prioritizer) IsDowngraded(m Metadata) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexOfLocked(m) >= 0
}

// Downgraded returns a copy of the currently downgraded CDNs, oldest first.
func (p *Prioritizer) Downgraded() []Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Metadata, len(p.downgraded))
	for i, d := range p.downgraded {
		out[i] = d.cdn
	}
	return out
}

// OnPriorityChange subscribes fn to priority changes.
func (p *Prioritizer) OnPriorityChange(fn func()) func() {
	return p.priorityChange.On(func(struct{}) { fn() })
}

// Dispose stops every pending timer and forgets all downgrades.
func (p *Prioritizer) Dispose() {
	p.mu.Lock()
	for _, d := range p.downgraded {
		d.timer.Stop()
	}
	p.downgraded = nil
	p.disposed = true
	p.mu.Unlock()

	p.priorityChange.Clear()
}

func (p *Prioritizer) indexOfLocked(m Metadata) int {
	return slices.IndexFunc(p.downgraded, func(d *downgrade) bool {
		return m.Same(d.cdn)
	})
}
