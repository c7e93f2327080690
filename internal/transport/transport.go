// Package transport implements the manifest and segment loaders on top of
// the HTTP client, with file:// support for local contents.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/observability"
	"github.com/canalplus/rx-player-sub017/internal/segment"
	"github.com/canalplus/rx-player-sub017/internal/urlutil"
	"github.com/canalplus/rx-player-sub017/pkg/httpclient"
)

// NewClient creates the HTTP client shared by the loaders from the http
// section of cfg.
func NewClient(cfg config.HTTPConfig, logger *slog.Logger) *httpclient.Client {
	c := httpclient.DefaultConfig()
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.MaxResponseSize = cfg.MaxResponseSize
	c.Logger = observability.ComponentLogger(logger, "httpclient")
	return httpclient.New(c)
}

// ManifestLoader loads manifest documents.
type ManifestLoader struct {
	client *httpclient.Client
	logger *slog.Logger
}

var _ manifest.Loader = (*ManifestLoader)(nil)

// NewManifestLoader creates a ManifestLoader using client.
func NewManifestLoader(client *httpclient.Client, logger *slog.Logger) *ManifestLoader {
	return &ManifestLoader{client: client, logger: observability.ComponentLogger(logger, "transport")}
}

// LoadManifest implements manifest.Loader. Bodies compressed with gzip, bzip2
// or xz are transparently decompressed.
func (l *ManifestLoader) LoadManifest(ctx context.Context, url string, opts manifest.RequestOptions) (*manifest.Loaded, error) {
	if urlutil.IsFileURL(url) {
		sending := time.Now()
		data, err := readFile(url)
		if err != nil {
			return nil, err
		}
		received := time.Now()
		return &manifest.Loaded{
			URL:             url,
			Data:            data,
			Size:            int64(len(data)),
			RequestDuration: received.Sub(sending),
			SendingTime:     sending,
			ReceivedTime:    received,
		}, nil
	}

	resp, err := l.client.Fetch(ctx, url, httpclient.FetchOptions{
		Timeout:           opts.Timeout,
		ConnectionTimeout: opts.ConnectionTimeout,
		SniffCompression:  true,
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("manifest loaded",
		slog.String("url", observability.RedactURL(resp.URL)),
		slog.Int64("size", resp.Size),
		slog.Duration("duration", resp.RequestDuration()),
	)
	return &manifest.Loaded{
		URL:             resp.URL,
		Data:            resp.Body,
		Size:            resp.Size,
		RequestDuration: resp.RequestDuration(),
		SendingTime:     resp.SendingTime,
		ReceivedTime:    resp.ReceivedTime,
	}, nil
}

// SegmentLoader loads media segments.
type SegmentLoader struct {
	client *httpclient.Client
}

var _ segment.Loader = (*SegmentLoader)(nil)

// NewSegmentLoader creates a SegmentLoader using client.
func NewSegmentLoader(client *httpclient.Client) *SegmentLoader {
	return &SegmentLoader{client: client}
}

// SegmentURL returns the URL of content's segment when served by origin.
func SegmentURL(origin *cdn.Metadata, content manifest.Content) string {
	u := content.Segment.URL
	if origin == nil || origin.BaseURL == "" {
		return u
	}
	return urlutil.Resolve(origin.BaseURL, u)
}

// LoadSegment implements segment.Loader.
func (l *SegmentLoader) LoadSegment(ctx context.Context, origin *cdn.Metadata, content manifest.Content, opts segment.RequestOptions, cb segment.LoaderCallbacks) (segment.LoadResult, error) {
	url := SegmentURL(origin, content)
	if urlutil.IsFileURL(url) {
		start := time.Now()
		data, err := readFile(url)
		if err != nil {
			return segment.LoadResult{}, err
		}
		if br := content.Segment.ByteRange; br != nil {
			data, err = slice(url, data, br)
			if err != nil {
				return segment.LoadResult{}, err
			}
		}
		return segment.LoadResult{
			Type:    segment.ResultLoaded,
			Data:    data,
			Metrics: &segment.RequestMetrics{Size: int64(len(data)), Duration: time.Since(start)},
		}, nil
	}

	fo := httpclient.FetchOptions{
		Timeout:           opts.Timeout,
		ConnectionTimeout: opts.ConnectionTimeout,
	}
	if br := content.Segment.ByteRange; br != nil {
		fo.Range = &httpclient.ByteRange{Start: br.Start, End: br.End}
	}
	if cb.OnProgress != nil {
		start := time.Now()
		fo.OnProgress = func(loaded, total int64) {
			cb.OnProgress(segment.Progress{
				Duration:  time.Since(start),
				Size:      loaded,
				TotalSize: max(total, 0),
			})
		}
	}

	resp, err := l.client.Fetch(ctx, url, fo)
	if err != nil {
		return segment.LoadResult{}, err
	}
	return segment.LoadResult{
		Type:    segment.ResultLoaded,
		Data:    resp.Body,
		Metrics: &segment.RequestMetrics{Size: resp.Size, Duration: resp.RequestDuration()},
	}, nil
}

func readFile(url string) ([]byte, error) {
	path, err := urlutil.FilePathFromURL(url)
	if err != nil {
		return nil, &httpclient.RequestError{URL: url, Kind: httpclient.KindNetwork, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &httpclient.RequestError{URL: url, Kind: httpclient.KindNetwork, Err: err}
	}
	return data, nil
}

func slice(url string, data []byte, br *manifest.ByteRange) ([]byte, error) {
	end := br.End + 1
	if br.End < 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	if br.Start < 0 || br.Start > end {
		return nil, &httpclient.RequestError{
			URL:    url,
			Kind:   httpclient.KindHTTPStatus,
			Status: http.StatusRequestedRangeNotSatisfiable,
			Err:    fmt.Errorf("byte range %d-%d out of %d bytes", br.Start, br.End, len(data)),
		}
	}
	return data[br.Start:end], nil
}
