// Package segment loads media segments through a loader and parser pair,
// with CDN failover, retries, an initialization segment cache and request
// lifecycle reporting.
package segment

import (
	"context"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
)

// LoadResultType tells how a Loader delivered the segment data.
type LoadResultType int

const (
	// ResultLoaded means the whole segment is in LoadResult.Data.
	ResultLoaded LoadResultType = iota
	// ResultChunkComplete means every chunk was already given to OnNewChunk.
	ResultChunkComplete
	// ResultCreated means the data was produced without any request.
	ResultCreated
)

// RequestMetrics describe a completed request.
type RequestMetrics struct {
	Size     int64
	Duration time.Duration
}

// LoadResult is returned by a Loader on success.
type LoadResult struct {
	Type LoadResultType
	Data []byte
	// Metrics is nil when the request was not measured.
	Metrics *RequestMetrics
}

// Progress reports the advancement of a request.
type Progress struct {
	Duration time.Duration
	Size     int64
	// TotalSize is 0 when unknown.
	TotalSize int64
}

// RequestOptions are the per-request limits given to a Loader.
type RequestOptions struct {
	Timeout           time.Duration
	ConnectionTimeout time.Duration
}

// LoaderCallbacks lets a Loader report progress and stream chunks.
type LoaderCallbacks struct {
	OnProgress func(Progress)
	OnNewChunk func(data []byte)
}

// Loader performs one attempt at loading a segment from origin. A nil origin
// means the segment URL is used as-is. Failures should be
// *httpclient.RequestError values so they are classified for retries.
type Loader interface {
	LoadSegment(ctx context.Context, origin *cdn.Metadata, content manifest.Content, opts RequestOptions, cb LoaderCallbacks) (LoadResult, error)
}

// LoadedChunk is one unit of loaded data handed to a Parser.
type LoadedChunk struct {
	Data []byte
	// IsChunked is set when Data is only a part of the segment.
	IsChunked bool
}

// ChunkInfo locates a parsed media chunk, in seconds.
type ChunkInfo struct {
	Time float64
	// Duration is nil when unknown.
	Duration *float64
}

// Parsed is the output of a Parser.
type Parsed struct {
	IsInit bool
	Data   []byte
	// InitTimescale is set by init segments declaring their timescale.
	InitTimescale *uint32
	// Info is nil for init segments and for media chunks whose timing is
	// unknown.
	Info *ChunkInfo
}

// Parser turns loaded data into a Parsed value. initTimescale is the
// timescale of the representation's init segment, when known.
type Parser interface {
	ParseSegment(chunk LoadedChunk, content manifest.Content, initTimescale *uint32) (Parsed, error)
}

// Pipeline pairs the Loader and Parser of one buffer type.
type Pipeline struct {
	Loader Loader
	Parser Parser
}

// RequestInfo is reported when a request begins.
type RequestInfo struct {
	ID      string
	Content manifest.Content
	URL     string
}

// ProgressInfo is reported while a request progresses.
type ProgressInfo struct {
	ID string
	Progress
}

// Metrics is reported once per fetched segment.
type Metrics struct {
	BufferType      manifest.TrackType
	Content         manifest.Content
	Size            int64
	RequestDuration time.Duration
	// SegmentDuration is the sum of the parsed chunk durations, nil when one
	// of them is unknown.
	SegmentDuration *float64
}

// Lifecycle callbacks observe the requests made by a Fetcher. All are
// optional.
type Lifecycle struct {
	OnRequestBegin func(RequestInfo)
	OnProgress     func(ProgressInfo)
	OnRequestEnd   func(id string)
	OnMetrics      func(Metrics)
}

// FetchCallbacks receive the result of one Fetch. All are optional.
type FetchCallbacks struct {
	// OnChunk is called for every loaded unit. Parsing is deferred until
	// the Chunk's Parse method is called.
	OnChunk func(*Chunk)
	// OnAllChunksReceived is called once after a successful request,
	// before Fetch returns.
	OnAllChunksReceived func()
	// OnRetry is called with the formatted failure before each retry.
	OnRetry func(error)
}
