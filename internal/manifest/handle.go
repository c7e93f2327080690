package manifest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// ErrIncompatibleUpdate is returned by Handle.Update when a partial manifest
// cannot be merged into the current snapshot.
var ErrIncompatibleUpdate = errors.New("partial manifest incompatible with current manifest")

// Handle publishes manifest snapshots. Readers call Load and get a snapshot
// that never changes; writers publish whole new snapshots.
type Handle struct {
	current atomic.Pointer[Manifest]
	mu      sync.Mutex
}

// NewHandle creates a Handle holding initial, which may be nil.
func NewHandle(initial *Manifest) *Handle {
	h := &Handle{}
	if initial != nil {
		h.Replace(initial)
	}
	return h
}

// Load returns the current snapshot, or nil before the first publication.
func (h *Handle) Load() *Manifest {
	return h.current.Load()
}

// Replace publishes next as the new snapshot. next must not be modified by
// the caller afterwards.
func (h *Handle) Replace(next *Manifest) *Manifest {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked(next)
	return next
}

// Update merges partial into the current snapshot and publishes the result.
// Periods present in both are merged, representation by representation;
// earlier periods absent from partial are kept, later ones dropped.
func (h *Handle) Update(partial *Manifest) (*Manifest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	if cur == nil {
		return nil, fmt.Errorf("%w: no manifest to update", ErrIncompatibleUpdate)
	}
	merged, err := merge(cur, partial)
	if err != nil {
		return nil, err
	}
	h.publishLocked(merged)
	return merged, nil
}

func (h *Handle) publishLocked(next *Manifest) {
	if cur := h.current.Load(); cur != nil {
		next.Version = cur.Version + 1
	} else if next.Version == 0 {
		next.Version = 1
	}
	if next.ID == "" {
		next.ID = ulid.Make().String()
	}
	h.current.Store(next)
}

func merge(cur, partial *Manifest) (*Manifest, error) {
	if len(partial.Periods) == 0 {
		return nil, fmt.Errorf("%w: partial manifest has no period", ErrIncompatibleUpdate)
	}
	firstNew := partial.Periods[0]

	out := *partial
	out.ID = ""
	if len(out.URLs) == 0 {
		out.URLs = cur.URLs
	}
	out.Periods = nil

	common := false
	for _, old := range cur.Periods {
		if np := partial.PeriodByID(old.ID); np != nil {
			mp, err := mergePeriod(old, np)
			if err != nil {
				return nil, err
			}
			out.Periods = append(out.Periods, mp)
			common = true
			continue
		}
		if old.Start < firstNew.Start {
			out.Periods = append(out.Periods, old)
		}
	}
	if !common {
		return nil, fmt.Errorf("%w: no period in common", ErrIncompatibleUpdate)
	}
	for _, np := range partial.Periods {
		if cur.PeriodByID(np.ID) == nil {
			out.Periods = append(out.Periods, np)
		}
	}
	return &out, nil
}

func mergePeriod(old, newer *Period) (*Period, error) {
	out := &Period{
		ID:          newer.ID,
		Start:       newer.Start,
		End:         newer.End,
		Adaptations: make(map[TrackType][]*Adaptation, len(newer.Adaptations)),
	}
	for tt, adaptations := range newer.Adaptations {
		for _, na := range adaptations {
			oa := old.AdaptationByID(tt, na.ID)
			if oa == nil {
				out.Adaptations[tt] = append(out.Adaptations[tt], na)
				continue
			}
			ma := *na
			ma.Representations = make([]*Representation, 0, len(na.Representations))
			for _, nr := range na.Representations {
				or := oa.RepresentationByID(nr.ID)
				if or == nil {
					ma.Representations = append(ma.Representations, nr)
					continue
				}
				mr := *nr
				mr.UniqueID = or.UniqueID
				switch {
				case or.Index == nil:
				case nr.Index == nil:
					mr.Index = or.Index
				default:
					idx, err := or.Index.Merge(nr.Index)
					if err != nil {
						return nil, fmt.Errorf("%w: representation %s: %w", ErrIncompatibleUpdate, nr.ID, err)
					}
					mr.Index = idx
				}
				ma.Representations = append(ma.Representations, &mr)
			}
			out.Adaptations[tt] = append(out.Adaptations[tt], &ma)
		}
	}
	return out, nil
}
