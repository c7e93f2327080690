// Package hls parses HLS playlists into manifest snapshots.
package hls

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/urlutil"
)

// ErrNoVariant is returned when no variant of a multivariant playlist could
// be loaded.
var ErrNoVariant = errors.New("hls: no usable variant")

const periodID = "0"

// Parser is a manifest.Parser for HLS multivariant and media playlists.
// Variant playlists of a multivariant playlist are loaded with Loader.
type Parser struct {
	Loader manifest.Loader
	// RequestOptions are given to Loader for variant playlists.
	RequestOptions manifest.RequestOptions
	// UpdateURL, when set, is announced as the partial refresh location.
	UpdateURL string
}

var _ manifest.Parser = (*Parser)(nil)

// ParseManifest implements manifest.Parser.
func (p *Parser) ParseManifest(ctx context.Context, loaded *manifest.Loaded, opts manifest.ParserOptions, onWarnings func([]error), schedule manifest.ScheduleRequestFunc) (manifest.ParseResult, error) {
	baseURL := loaded.URL
	if baseURL == "" {
		baseURL = opts.OriginalURL
	}

	pl, err := playlist.Unmarshal(loaded.Data)
	if err != nil {
		return manifest.ParseResult{}, fmt.Errorf("hls: %w", err)
	}

	switch pl := pl.(type) {
	case *playlist.Media:
		rep := &manifest.Representation{ID: "0", UniqueID: baseURL}
		live := fillRepresentation(rep, pl, baseURL, opts.PreviousManifest)
		m := p.newManifest(baseURL, pl.TargetDuration, live)
		m.Periods = []*manifest.Period{newPeriod(map[manifest.TrackType][]*manifest.Representation{
			manifest.TrackVideo: {rep},
		}, live)}
		return manifest.ParseResult{Manifest: m}, nil

	case *playlist.Multivariant:
		return p.parseMultivariant(ctx, baseURL, pl, opts, onWarnings, schedule)

	default:
		return manifest.ParseResult{}, fmt.Errorf("hls: unsupported playlist type %T", pl)
	}
}

func (p *Parser) parseMultivariant(ctx context.Context, baseURL string, mv *playlist.Multivariant, opts manifest.ParserOptions, onWarnings func([]error), schedule manifest.ScheduleRequestFunc) (manifest.ParseResult, error) {
	if p.Loader == nil {
		return manifest.ParseResult{}, errors.New("hls: multivariant playlist without loader")
	}

	reps := make(map[manifest.TrackType][]*manifest.Representation)
	var warnings []error
	targetDuration := 0
	live := false
	for i, v := range mv.Variants {
		if ctx.Err() != nil {
			return manifest.ParseResult{}, ctx.Err()
		}
		variantURL := urlutil.Resolve(baseURL, v.URI)
		data, err := schedule(ctx, func(ctx context.Context) ([]byte, error) {
			l, err := p.Loader.LoadManifest(ctx, variantURL, p.RequestOptions)
			if err != nil {
				return nil, err
			}
			return l.Data, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return manifest.ParseResult{}, ctx.Err()
			}
			warnings = append(warnings, fmt.Errorf("hls: variant %d: %w", i, err))
			continue
		}
		pl, err := playlist.Unmarshal(data)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("hls: variant %d: %w", i, err))
			continue
		}
		media, ok := pl.(*playlist.Media)
		if !ok {
			warnings = append(warnings, fmt.Errorf("hls: variant %d is not a media playlist", i))
			continue
		}

		rep := &manifest.Representation{
			ID:       strconv.Itoa(i),
			UniqueID: variantURL,
			Bitrate:  int64(v.Bandwidth),
			Codecs:   strings.Join(v.Codecs, ","),
		}
		rep.Width, rep.Height = parseResolution(v.Resolution)
		if fillRepresentation(rep, media, variantURL, opts.PreviousManifest) {
			live = true
		}
		targetDuration = max(targetDuration, media.TargetDuration)
		tt := trackTypeOf(v.Codecs)
		reps[tt] = append(reps[tt], rep)
	}

	if len(reps) == 0 {
		return manifest.ParseResult{Warnings: warnings}, errors.Join(append([]error{ErrNoVariant}, warnings...)...)
	}
	if len(warnings) > 0 && onWarnings != nil {
		onWarnings(warnings)
	}

	m := p.newManifest(baseURL, targetDuration, live)
	m.Periods = []*manifest.Period{newPeriod(reps, live)}
	return manifest.ParseResult{Manifest: m}, nil
}

// fillRepresentation builds rep's index from media and reports whether the
// playlist is live.
func fillRepresentation(rep *manifest.Representation, media *playlist.Media, playlistURL string, previous *manifest.Manifest) bool {
	var init *manifest.Segment
	if media.Map != nil {
		init = &manifest.Segment{
			ID:       "init",
			IsInit:   true,
			URL:      urlutil.Resolve(playlistURL, media.Map.URI),
			Complete: true,
		}
		if media.Map.ByteRangeLength != nil {
			start := uint64(0)
			if media.Map.ByteRangeStart != nil {
				start = *media.Map.ByteRangeStart
			}
			init.ByteRange = &manifest.ByteRange{
				Start: int64(start),
				End:   int64(start + *media.Map.ByteRangeLength - 1),
			}
		}
	}

	t := startTime(rep.UniqueID, media.MediaSequence, previous)
	segments := make([]*manifest.Segment, 0, len(media.Segments))
	var nextByte uint64
	for i, s := range media.Segments {
		if s == nil {
			continue
		}
		d := s.Duration.Seconds()
		seg := &manifest.Segment{
			ID:       strconv.Itoa(media.MediaSequence + i),
			Time:     t,
			End:      t + d,
			Duration: d,
			URL:      urlutil.Resolve(playlistURL, s.URI),
			Complete: true,
		}
		if s.ByteRangeLength != nil {
			start := nextByte
			if s.ByteRangeStart != nil {
				start = *s.ByteRangeStart
			}
			seg.ByteRange = &manifest.ByteRange{
				Start: int64(start),
				End:   int64(start + *s.ByteRangeLength - 1),
			}
			nextByte = start + *s.ByteRangeLength
		}
		segments = append(segments, seg)
		t += d
	}
	rep.Index = manifest.NewListIndex(init, segments)
	return !media.Endlist
}

// startTime is the position of the segment with the given media sequence
// number. Live playlists only announce a sliding window, so the position is
// taken from the previous snapshot when it still lists that segment.
func startTime(uniqueID string, sequence int, previous *manifest.Manifest) float64 {
	if previous == nil {
		return 0
	}
	id := strconv.Itoa(sequence)
	for _, period := range previous.Periods {
		for _, adaptations := range period.Adaptations {
			for _, a := range adaptations {
				for _, r := range a.Representations {
					if r.UniqueID != uniqueID {
						continue
					}
					idx, ok := r.Index.(*manifest.ListIndex)
					if !ok {
						continue
					}
					all := idx.All()
					if i := slices.IndexFunc(all, func(s *manifest.Segment) bool { return s.ID == id }); i >= 0 {
						return all[i].Time
					}
					if last := lastSequence(all); last >= 0 && sequence == last+1 {
						return all[len(all)-1].End
					}
				}
			}
		}
	}
	return 0
}

func lastSequence(segments []*manifest.Segment) int {
	if len(segments) == 0 {
		return -1
	}
	n, err := strconv.Atoi(segments[len(segments)-1].ID)
	if err != nil {
		return -1
	}
	return n
}

func (p *Parser) newManifest(baseURL string, targetDuration int, live bool) *manifest.Manifest {
	m := &manifest.Manifest{
		URLs:      []string{baseURL},
		IsDynamic: live,
		IsLive:    live,
	}
	if p.UpdateURL != "" {
		m.UpdateURL = urlutil.Resolve(baseURL, p.UpdateURL)
	}
	if live {
		lifetime := float64(targetDuration)
		m.Lifetime = &lifetime
	}
	return m
}

func newPeriod(reps map[manifest.TrackType][]*manifest.Representation, live bool) *manifest.Period {
	period := &manifest.Period{ID: periodID, Adaptations: make(map[manifest.TrackType][]*manifest.Adaptation)}
	var end float64
	for _, tt := range manifest.TrackTypes {
		list := reps[tt]
		if len(list) == 0 {
			continue
		}
		slices.SortStableFunc(list, func(a, b *manifest.Representation) int {
			switch {
			case a.Bitrate < b.Bitrate:
				return -1
			case a.Bitrate > b.Bitrate:
				return 1
			}
			return 0
		})
		period.Adaptations[tt] = []*manifest.Adaptation{{
			ID:              string(tt),
			Type:            tt,
			Representations: list,
		}}
		for _, r := range list {
			if last, ok := r.Index.LastPosition(); ok {
				end = max(end, last)
			}
		}
	}
	if !live {
		period.End = &end
	}
	return period
}

var audioCodecPrefixes = []string{"mp4a", "ac-3", "ec-3", "opus", "flac", "mp3"}

// trackTypeOf classifies a variant from its CODECS attribute. A variant
// declaring only audio codecs is audio, anything else is video.
func trackTypeOf(codecs []string) manifest.TrackType {
	if len(codecs) == 0 {
		return manifest.TrackVideo
	}
	for _, c := range codecs {
		c = strings.ToLower(strings.TrimSpace(c))
		if !slices.ContainsFunc(audioCodecPrefixes, func(p string) bool { return strings.HasPrefix(c, p) }) {
			return manifest.TrackVideo
		}
	}
	return manifest.TrackAudio
}

func parseResolution(s string) (int, int) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}
