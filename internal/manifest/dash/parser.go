// Package dash parses DASH MPDs into manifest snapshots.
package dash

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"
	"github.com/Eyevinn/dash-mpd/xml"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/urlutil"
)

// DefaultSegmentCount is the number of segments announced for a live
// number-based template when the period has no known end.
const DefaultSegmentCount = 10

// Parser is a manifest.Parser for DASH MPDs using SegmentTemplate
// addressing.
type Parser struct {
	// UpdateURL, when set, is announced as the partial refresh location.
	UpdateURL string
	// SegmentCount bounds the live window of duration-based templates.
	// DefaultSegmentCount is used when zero.
	SegmentCount int
	// Now returns the current time. time.Now is used when nil.
	Now func() time.Time
}

var _ manifest.Parser = (*Parser)(nil)

// ParseManifest implements manifest.Parser.
func (p *Parser) ParseManifest(_ context.Context, loaded *manifest.Loaded, opts manifest.ParserOptions, onWarnings func([]error), _ manifest.ScheduleRequestFunc) (manifest.ParseResult, error) {
	var doc m.MPD
	if err := xml.Unmarshal(loaded.Data, &doc); err != nil {
		return manifest.ParseResult{}, fmt.Errorf("dash: %w", err)
	}
	var bases baseURLTree
	if err := xml.Unmarshal(loaded.Data, &bases); err != nil {
		return manifest.ParseResult{}, fmt.Errorf("dash: %w", err)
	}
	docURL := loaded.URL
	if docURL == "" {
		docURL = opts.OriginalURL
	}

	dynamic := doc.Type != nil && *doc.Type == "dynamic"
	out := &manifest.Manifest{
		IsDynamic:   dynamic,
		IsLive:      dynamic,
		ClockOffset: opts.ExternalClockOffset,
	}
	if dynamic && doc.MinimumUpdatePeriod != nil {
		lifetime := seconds(doc.MinimumUpdatePeriod)
		out.Lifetime = &lifetime
	}
	for _, loc := range doc.Location {
		if strings.TrimSpace(string(loc)) == "" {
			continue
		}
		out.URLs = append(out.URLs, urlutil.Resolve(docURL, strings.TrimSpace(string(loc))))
	}
	if p.UpdateURL != "" {
		out.UpdateURL = urlutil.Resolve(docURL, p.UpdateURL)
	}
	if doc.AvailabilityStartTime != "" {
		ast, err := doc.AvailabilityStartTime.ConvertToSeconds()
		if err != nil {
			return manifest.ParseResult{}, fmt.Errorf("dash: availabilityStartTime: %w", err)
		}
		sec, frac := math.Modf(ast)
		out.AvailabilityStartTime = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}

	pc := &parseContext{
		parser:  p,
		doc:     &doc,
		docURL:  docURL,
		out:     out,
		now:     p.now().Add(opts.ExternalClockOffset),
		dynamic: dynamic,
	}
	var warnings []error
	mpdBases := childBases(docURL, nil, bases.BaseURLs)
	for i, period := range doc.Periods {
		if period == nil {
			continue
		}
		var tree periodBases
		if i < len(bases.Periods) {
			tree = bases.Periods[i]
		}
		parsed, warns := pc.parsePeriod(i, period, tree, mpdBases)
		warnings = append(warnings, warns...)
		if parsed != nil {
			out.Periods = append(out.Periods, parsed)
		}
	}
	if len(out.Periods) == 0 {
		return manifest.ParseResult{Warnings: warnings}, errors.Join(append([]error{errors.New("dash: no usable period")}, warnings...)...)
	}
	if len(warnings) > 0 && onWarnings != nil {
		onWarnings(warnings)
	}
	return manifest.ParseResult{Manifest: out}, nil
}

func (p *Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Parser) segmentCount() int {
	if p.SegmentCount > 0 {
		return p.SegmentCount
	}
	return DefaultSegmentCount
}

type parseContext struct {
	parser  *Parser
	doc     *m.MPD
	docURL  string
	out     *manifest.Manifest
	now     time.Time
	dynamic bool
}

func (pc *parseContext) parsePeriod(index int, period *m.Period, tree periodBases, parentBases []cdn.Metadata) (*manifest.Period, []error) {
	start, end := pc.periodBounds(index)
	id := period.Id
	if id == "" {
		id = strconv.Itoa(index)
	}
	out := &manifest.Period{
		ID:          id,
		Start:       start,
		End:         end,
		Adaptations: make(map[manifest.TrackType][]*manifest.Adaptation),
	}

	bases := childBases(pc.docURL, parentBases, tree.BaseURLs)
	var warnings []error
	for j, as := range period.AdaptationSets {
		if as == nil {
			continue
		}
		var asTree adaptationBases
		if j < len(tree.AdaptationSets) {
			asTree = tree.AdaptationSets[j]
		}
		a, err := pc.parseAdaptation(out, j, as, asTree, bases)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("dash: period %s: %w", id, err))
			continue
		}
		if a != nil {
			out.Adaptations[a.Type] = append(out.Adaptations[a.Type], a)
		}
	}
	if len(out.Adaptations) == 0 {
		return nil, append(warnings, fmt.Errorf("dash: period %s has no supported adaptation", id))
	}
	return out, warnings
}

// periodBounds returns the start and, when known, the end of the period at
// index in seconds.
func (pc *parseContext) periodBounds(index int) (float64, *float64) {
	periods := pc.doc.Periods
	var start float64
	switch {
	case periods[index].Start != nil:
		start = seconds(periods[index].Start)
	case index > 0:
		prevStart, prevEnd := pc.periodBounds(index - 1)
		if prevEnd != nil {
			start = *prevEnd
		} else {
			start = prevStart
		}
	}

	if periods[index].Duration != nil {
		end := start + seconds(periods[index].Duration)
		return start, &end
	}
	if index+1 < len(periods) && periods[index+1] != nil && periods[index+1].Start != nil {
		end := seconds(periods[index+1].Start)
		return start, &end
	}
	if index == len(periods)-1 && pc.doc.MediaPresentationDuration != nil {
		end := seconds(pc.doc.MediaPresentationDuration)
		return start, &end
	}
	return start, nil
}

func (pc *parseContext) parseAdaptation(period *manifest.Period, index int, as *m.AdaptationSetType, tree adaptationBases, parentBases []cdn.Metadata) (*manifest.Adaptation, error) {
	tt, ok := trackTypeOf(string(as.ContentType), string(as.MimeType), string(as.Codecs), as.Representations)
	if !ok {
		return nil, nil
	}
	id := strconv.Itoa(index)
	if as.Id != nil {
		id = strconv.FormatUint(uint64(*as.Id), 10)
	}
	out := &manifest.Adaptation{ID: id, Type: tt, Language: string(as.Lang)}
	bases := childBases(pc.docURL, parentBases, tree.BaseURLs)

	for k, rep := range as.Representations {
		if rep == nil {
			continue
		}
		tmpl := rep.SegmentTemplate
		if tmpl == nil {
			tmpl = as.SegmentTemplate
		}
		if tmpl == nil {
			return nil, fmt.Errorf("adaptation %s: representation %s has no SegmentTemplate", id, rep.Id)
		}
		var repTree representationBases
		if k < len(tree.Representations) {
			repTree = tree.Representations[k]
		}
		r := &manifest.Representation{
			ID:          rep.Id,
			UniqueID:    period.ID + "/" + id + "/" + rep.Id,
			Bitrate:     int64(rep.Bandwidth),
			Codecs:      firstNonEmpty(string(rep.Codecs), string(as.Codecs)),
			MimeType:    firstNonEmpty(string(rep.MimeType), string(as.MimeType)),
			Width:       int(rep.Width),
			Height:      int(rep.Height),
			CDNMetadata: childBases(pc.docURL, bases, repTree.BaseURLs),
		}
		idx, err := pc.buildIndex(period, tmpl, templateVars{id: rep.Id, bandwidth: int64(rep.Bandwidth)}, len(r.CDNMetadata) > 0)
		if err != nil {
			return nil, fmt.Errorf("representation %s: %w", rep.Id, err)
		}
		r.Index = idx
		out.Representations = append(out.Representations, r)
	}
	if len(out.Representations) == 0 {
		return nil, nil
	}
	return out, nil
}

// buildIndex expands tmpl into a segment list. URLs stay relative when the
// representation has CDN metadata, the segment loader resolving them against
// the chosen origin.
func (pc *parseContext) buildIndex(period *manifest.Period, tmpl *m.SegmentTemplateType, vars templateVars, relative bool) (*manifest.ListIndex, error) {
	timescale := tmpl.GetTimescale()
	if timescale == 0 {
		timescale = 1
	}
	var pto uint64
	if tmpl.PresentationTimeOffset != nil {
		pto = *tmpl.PresentationTimeOffset
	}
	startNumber := uint64(1)
	if tmpl.StartNumber != nil {
		startNumber = uint64(*tmpl.StartNumber)
	}
	resolve := func(u string) string {
		if relative {
			return u
		}
		return urlutil.Resolve(pc.docURL, u)
	}

	var init *manifest.Segment
	if tmpl.Initialization != "" {
		u, err := expand(string(tmpl.Initialization), vars)
		if err != nil {
			return nil, err
		}
		init = &manifest.Segment{ID: "init", IsInit: true, Timescale: timescale, URL: resolve(u), Complete: true}
	}

	toSeconds := func(t uint64) float64 {
		return period.Start + (float64(t)-float64(pto))/float64(timescale)
	}

	var segments []*manifest.Segment
	add := func(number, t, d uint64) error {
		v := vars
		v.number, v.time = number, t
		u, err := expand(string(tmpl.Media), v)
		if err != nil {
			return err
		}
		start := toSeconds(t)
		duration := float64(d) / float64(timescale)
		segments = append(segments, &manifest.Segment{
			ID:        strconv.FormatUint(t, 10),
			Time:      start,
			End:       start + duration,
			Duration:  duration,
			Timescale: timescale,
			URL:       resolve(u),
			Complete:  true,
		})
		return nil
	}

	switch {
	case tmpl.SegmentTimeline != nil:
		entries := tmpl.SegmentTimeline.S
		var t uint64
		number := startNumber
		for i, s := range entries {
			if s == nil {
				continue
			}
			if s.T != nil {
				t = *s.T
			}
			repeat := s.R
			if repeat < 0 {
				repeat = pc.openRepeat(entries, i, t, s.D, period, pto, timescale)
			}
			for range repeat + 1 {
				if err := add(number, t, s.D); err != nil {
					return nil, err
				}
				t += s.D
				number++
			}
		}

	case tmpl.Duration != nil && *tmpl.Duration > 0:
		d := uint64(*tmpl.Duration)
		first, last, err := pc.numberRange(period, d, timescale)
		if err != nil {
			return nil, err
		}
		for k := first; k <= last; k++ {
			if err := add(startNumber+k, pto+k*d, d); err != nil {
				return nil, err
			}
		}

	default:
		return nil, errors.New("SegmentTemplate without SegmentTimeline nor duration")
	}
	return manifest.NewListIndex(init, segments), nil
}

// openRepeat resolves a negative S@r: the entry repeats until the next
// entry's time, or until the end of the period.
func (pc *parseContext) openRepeat(entries []*m.S, i int, t, d uint64, period *manifest.Period, pto uint64, timescale uint32) int {
	if d == 0 {
		return 0
	}
	var until uint64
	switch {
	case i+1 < len(entries) && entries[i+1] != nil && entries[i+1].T != nil:
		until = *entries[i+1].T
	case period.End != nil:
		until = pto + uint64((*period.End-period.Start)*float64(timescale))
	case pc.dynamic:
		elapsed := pc.now.Sub(pc.out.AvailabilityStartTime).Seconds() - period.Start
		if elapsed <= 0 {
			return 0
		}
		until = pto + uint64(elapsed*float64(timescale))
	default:
		return 0
	}
	if until <= t {
		return 0
	}
	return int(math.Ceil(float64(until-t)/float64(d))) - 1
}

// numberRange returns the zero-based indexes of the first and last segments
// of a duration-based template.
func (pc *parseContext) numberRange(period *manifest.Period, d uint64, timescale uint32) (uint64, uint64, error) {
	segDuration := float64(d) / float64(timescale)
	if period.End != nil {
		n := math.Ceil((*period.End - period.Start) / segDuration)
		if n < 1 {
			return 0, 0, errors.New("empty period")
		}
		return 0, uint64(n) - 1, nil
	}
	if !pc.dynamic {
		return 0, 0, errors.New("duration-based template in a period without end")
	}
	elapsed := pc.now.Sub(pc.out.AvailabilityStartTime).Seconds() - period.Start
	if elapsed < segDuration {
		return 0, 0, errors.New("no segment available yet")
	}
	last := uint64(elapsed/segDuration) - 1
	count := uint64(pc.parser.segmentCount())
	first := uint64(0)
	if last+1 > count {
		first = last + 1 - count
	}
	return first, last, nil
}

func seconds(d *m.Duration) float64 {
	return time.Duration(*d).Seconds()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// trackTypeOf classifies an adaptation set from its contentType, mimeType
// or codecs, in that order.
func trackTypeOf(contentType, mimeType, codecs string, reps []*m.RepresentationType) (manifest.TrackType, bool) {
	switch contentType {
	case "video":
		return manifest.TrackVideo, true
	case "audio":
		return manifest.TrackAudio, true
	case "text":
		return manifest.TrackText, true
	case "":
	default:
		return "", false
	}
	if mimeType == "" && len(reps) > 0 && reps[0] != nil {
		mimeType = string(reps[0].MimeType)
	}
	if codecs == "" && len(reps) > 0 && reps[0] != nil {
		codecs = string(reps[0].Codecs)
	}
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return manifest.TrackVideo, true
	case strings.HasPrefix(mimeType, "audio/"):
		return manifest.TrackAudio, true
	case strings.HasPrefix(mimeType, "text/"),
		mimeType == "application/ttml+xml",
		strings.HasPrefix(codecs, "stpp"),
		strings.HasPrefix(codecs, "wvtt"):
		return manifest.TrackText, true
	}
	return "", false
}
