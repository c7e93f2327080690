// Package fmp4 parses fragmented MP4 segments for the segment fetcher.
package fmp4

import (
	"bytes"
	"errors"
	"fmt"

	mcfmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/segment"
)

// ErrNoTrack is returned for an initialization segment without any track.
var ErrNoTrack = errors.New("fmp4: init segment has no track")

// Parser is a segment.Parser for ISOBMFF (fMP4) segments.
//
// Text segments that are not fMP4, like raw WebVTT, are passed through with
// the timing announced by the manifest.
type Parser struct{}

var _ segment.Parser = Parser{}

// ParseSegment implements segment.Parser.
func (Parser) ParseSegment(chunk segment.LoadedChunk, content manifest.Content, initTimescale *uint32) (segment.Parsed, error) {
	seg := content.Segment
	if seg == nil {
		return segment.Parsed{}, errors.New("fmp4: parse without segment")
	}
	if seg.IsInit {
		return parseInit(chunk.Data, content)
	}

	var parts mcfmp4.Parts
	if err := parts.Unmarshal(chunk.Data); err != nil {
		if content.TrackType() == manifest.TrackText {
			return segment.Parsed{Data: chunk.Data, Info: manifestInfo(seg, chunk.IsChunked)}, nil
		}
		return segment.Parsed{}, fmt.Errorf("fmp4: parse media segment: %w", err)
	}

	timescale := seg.Timescale
	if initTimescale != nil && *initTimescale > 0 {
		timescale = *initTimescale
	}
	return segment.Parsed{Data: chunk.Data, Info: mediaInfo(parts, timescale, seg, chunk.IsChunked)}, nil
}

func parseInit(data []byte, content manifest.Content) (segment.Parsed, error) {
	var init mcfmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		if content.TrackType() == manifest.TrackText {
			return segment.Parsed{IsInit: true, Data: data}, nil
		}
		return segment.Parsed{}, fmt.Errorf("fmp4: parse init segment: %w", err)
	}
	if len(init.Tracks) == 0 {
		return segment.Parsed{}, ErrNoTrack
	}
	ts := init.Tracks[0].TimeScale
	return segment.Parsed{IsInit: true, Data: data, InitTimescale: &ts}, nil
}

// mediaInfo derives the chunk timing from the tfdt base time and sample
// durations of the first track found in parts.
func mediaInfo(parts mcfmp4.Parts, timescale uint32, seg *manifest.Segment, chunked bool) *segment.ChunkInfo {
	if timescale == 0 {
		return manifestInfo(seg, chunked)
	}

	trackID := -1
	var base *uint64
	var total uint64
	for _, part := range parts {
		for _, track := range part.Tracks {
			if trackID == -1 {
				trackID = track.ID
			}
			if track.ID != trackID {
				continue
			}
			if base == nil {
				b := track.BaseTime
				base = &b
			}
			for _, s := range track.Samples {
				total += uint64(s.Duration)
			}
		}
	}
	if base == nil {
		return manifestInfo(seg, chunked)
	}

	t := float64(*base) / float64(timescale)
	info := &segment.ChunkInfo{Time: &t}
	if total > 0 {
		d := float64(total) / float64(timescale)
		info.Duration = &d
	}
	return info
}

// manifestInfo falls back on the manifest timing. A chunk of a chunked
// segment only covers part of it, so nothing is known.
func manifestInfo(seg *manifest.Segment, chunked bool) *segment.ChunkInfo {
	if chunked {
		return &segment.ChunkInfo{}
	}
	t, d := seg.Time, seg.Duration
	return &segment.ChunkInfo{Time: &t, Duration: &d}
}
