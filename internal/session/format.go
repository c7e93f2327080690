package session

import (
	"bytes"
	"context"
	"errors"

	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/manifest/dash"
	"github.com/canalplus/rx-player-sub017/internal/manifest/hls"
)

// Format is a manifest format.
type Format string

// Manifest formats.
const (
	FormatHLS     Format = "hls"
	FormatDASH    Format = "dash"
	FormatUnknown Format = ""
)

var errUnknownFormat = errors.New("unrecognized manifest format")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectFormat guesses the format of a manifest document from its first
// bytes.
func DetectFormat(data []byte) Format {
	data = bytes.TrimPrefix(data, utf8BOM)
	data = bytes.TrimLeft(data, " \t\r\n")
	switch {
	case bytes.HasPrefix(data, []byte("#EXTM3U")):
		return FormatHLS
	case bytes.HasPrefix(data, []byte("<")) && bytes.Contains(data, []byte("<MPD")):
		return FormatDASH
	default:
		return FormatUnknown
	}
}

// formatParser hands each document to the parser of its format.
type formatParser struct {
	hls  *hls.Parser
	dash *dash.Parser
}

var _ manifest.Parser = (*formatParser)(nil)

func (p *formatParser) ParseManifest(ctx context.Context, loaded *manifest.Loaded, opts manifest.ParserOptions, onWarnings func([]error), schedule manifest.ScheduleRequestFunc) (manifest.ParseResult, error) {
	switch DetectFormat(loaded.Data) {
	case FormatHLS:
		return p.hls.ParseManifest(ctx, loaded, opts, onWarnings, schedule)
	case FormatDASH:
		return p.dash.ParseManifest(ctx, loaded, opts, onWarnings, schedule)
	default:
		return manifest.ParseResult{}, errUnknownFormat
	}
}
