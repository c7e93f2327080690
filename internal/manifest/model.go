// Package manifest holds the manifest model and the fetcher that loads and
// refreshes it.
package manifest

import (
	"slices"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
)

// TrackType is the media category of an adaptation, and of the buffer its
// segments are pushed to.
type TrackType string

// Track types.
const (
	TrackAudio TrackType = "audio"
	TrackVideo TrackType = "video"
	TrackText  TrackType = "text"
)

// TrackTypes lists every track type in a stable order.
var TrackTypes = []TrackType{TrackAudio, TrackVideo, TrackText}

// IsValid reports whether t is a known track type.
func (t TrackType) IsValid() bool {
	return slices.Contains(TrackTypes, t)
}

// Manifest is an immutable snapshot of the presentation description. A
// published snapshot is never modified; refreshes produce new snapshots
// swapped through a Handle.
type Manifest struct {
	// ID identifies the snapshot.
	ID string `json:"id"`
	// Version increments each time a Handle publishes a new snapshot.
	Version uint64 `json:"version"`
	// URLs are the locations the manifest can be refreshed from, most
	// preferred first.
	URLs []string `json:"urls,omitempty"`
	// UpdateURL is the location of a shorter manifest usable for partial
	// refreshes, empty when none is declared.
	UpdateURL string `json:"update_url,omitempty"`
	// Lifetime is the duration in seconds after which the manifest should be
	// refreshed, nil when it never needs refreshing.
	Lifetime    *float64      `json:"lifetime,omitempty"`
	IsDynamic   bool          `json:"is_dynamic"`
	IsLive      bool          `json:"is_live"`
	ClockOffset time.Duration `json:"clock_offset,omitempty"`
	// AvailabilityStartTime is the wall-clock time of position 0 for live
	// contents.
	AvailabilityStartTime time.Time `json:"availability_start_time,omitzero"`
	Periods               []*Period `json:"periods"`
	// Expired, when non-nil, is closed once the manifest is known to be
	// outdated and must be refreshed.
	Expired <-chan struct{} `json:"-"`
}

// PeriodByID returns the period with the given id, or nil.
func (m *Manifest) PeriodByID(id string) *Period {
	for _, p := range m.Periods {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// PeriodForTime returns the period containing position, or nil.
func (m *Manifest) PeriodForTime(position float64) *Period {
	for i, p := range m.Periods {
		if position < p.Start {
			continue
		}
		if p.End != nil {
			if position < *p.End {
				return p
			}
			continue
		}
		if i == len(m.Periods)-1 || position < m.Periods[i+1].Start {
			return p
		}
	}
	return nil
}

// Period is a time range of the presentation with its own set of tracks.
type Period struct {
	ID    string   `json:"id"`
	Start float64  `json:"start"`
	End   *float64 `json:"end,omitempty"`
	// Adaptations groups the tracks of the period by type.
	Adaptations map[TrackType][]*Adaptation `json:"adaptations"`
}

// Duration returns End-Start, or false when the period has no known end.
func (p *Period) Duration() (float64, bool) {
	if p.End == nil {
		return 0, false
	}
	return *p.End - p.Start, true
}

// AdaptationByID returns the adaptation of type t with the given id, or nil.
func (p *Period) AdaptationByID(t TrackType, id string) *Adaptation {
	for _, a := range p.Adaptations[t] {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Adaptation is one track of the period.
type Adaptation struct {
	ID              string            `json:"id"`
	Type            TrackType         `json:"type"`
	Language        string            `json:"language,omitempty"`
	Representations []*Representation `json:"representations"`
}

// RepresentationByID returns the representation with the given id, or nil.
func (a *Adaptation) RepresentationByID(id string) *Representation {
	for _, r := range a.Representations {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Representation is one encoded variant of an adaptation.
type Representation struct {
	ID string `json:"id"`
	// UniqueID identifies the representation across periods and refreshes.
	UniqueID string `json:"unique_id"`
	Bitrate  int64  `json:"bitrate"`
	Codecs   string `json:"codecs,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	// CDNMetadata lists the origins serving the segments. Empty means segment
	// URLs are absolute.
	CDNMetadata []cdn.Metadata      `json:"cdn_metadata,omitempty"`
	Index       RepresentationIndex `json:"-"`
}

// ByteRange is an inclusive range of bytes in a resource.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Segment is one fetchable unit of media. Positions are in seconds.
type Segment struct {
	ID       string  `json:"id"`
	IsInit   bool    `json:"is_init,omitempty"`
	Time     float64 `json:"time"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
	// Timescale is the number of units per second of the media timestamps.
	Timescale uint32     `json:"timescale,omitempty"`
	URL       string     `json:"url"`
	ByteRange *ByteRange `json:"byte_range,omitempty"`
	// Complete is false for a segment still being produced, as with the last
	// segment of some live contents.
	Complete bool `json:"complete"`
}

// Content locates a segment in a manifest.
type Content struct {
	Manifest       *Manifest
	Period         *Period
	Adaptation     *Adaptation
	Representation *Representation
	Segment        *Segment
}

// ContentID is the identity of a Content, comparable with ==.
type ContentID struct {
	PeriodID               string
	AdaptationID           string
	RepresentationID       string
	RepresentationUniqueID string
	SegmentID              string
}

// ID returns the identity of c.
func (c Content) ID() ContentID {
	var id ContentID
	if c.Period != nil {
		id.PeriodID = c.Period.ID
	}
	if c.Adaptation != nil {
		id.AdaptationID = c.Adaptation.ID
	}
	if c.Representation != nil {
		id.RepresentationID = c.Representation.ID
		id.RepresentationUniqueID = c.Representation.UniqueID
	}
	if c.Segment != nil {
		id.SegmentID = c.Segment.ID
	}
	return id
}

// TrackType returns the type of the content's adaptation.
func (c Content) TrackType() TrackType {
	if c.Adaptation == nil {
		return ""
	}
	return c.Adaptation.Type
}

// SameContent reports whether a and b designate the same segment of the same
// representation in the same period.
func SameContent(a, b Content) bool {
	if a.Segment == nil || b.Segment == nil || a.Representation == nil ||
		b.Representation == nil || a.Period == nil || b.Period == nil {
		return false
	}
	return a.Segment.ID == b.Segment.ID &&
		a.Representation.UniqueID == b.Representation.UniqueID &&
		a.Period.ID == b.Period.ID
}
