package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/segment"
	"github.com/canalplus/rx-player-sub017/pkg/httpclient"
)

const mpdBody = `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static"/>`

func newClient() *httpclient.Client {
	return NewClient(config.HTTPConfig{UserAgent: "streamcore-test"}, nil)
}

func segmentContent(url string, br *manifest.ByteRange) manifest.Content {
	return manifest.Content{
		Period:         &manifest.Period{ID: "p"},
		Adaptation:     &manifest.Adaptation{ID: "a", Type: manifest.TrackVideo},
		Representation: &manifest.Representation{ID: "r", UniqueID: "r"},
		Segment:        &manifest.Segment{ID: "1", URL: url, ByteRange: br},
	}
}

func TestManifestLoader_HTTP(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte(mpdBody))
	require.NoError(t, zw.Close())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "streamcore-test", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/plain.mpd":
			_, _ = w.Write([]byte(mpdBody))
		case "/archived.mpd":
			_, _ = w.Write(gz.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	loader := NewManifestLoader(newClient(), nil)
	for _, path := range []string{"/plain.mpd", "/archived.mpd"} {
		t.Run(path, func(t *testing.T) {
			loaded, err := loader.LoadManifest(context.Background(), server.URL+path, manifest.RequestOptions{Timeout: time.Second})
			require.NoError(t, err)
			assert.Equal(t, mpdBody, string(loaded.Data))
			assert.Equal(t, server.URL+path, loaded.URL)
			assert.False(t, loaded.SendingTime.IsZero())
			assert.False(t, loaded.ReceivedTime.Before(loaded.SendingTime))
		})
	}

	_, err := loader.LoadManifest(context.Background(), server.URL+"/missing.mpd", manifest.RequestOptions{})
	reqErr, ok := httpclient.AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, httpclient.KindHTTPStatus, reqErr.Kind)
	assert.Equal(t, http.StatusNotFound, reqErr.Status)
}

func TestManifestLoader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.mpd")
	require.NoError(t, os.WriteFile(path, []byte(mpdBody), 0o644))

	loader := NewManifestLoader(newClient(), nil)
	loaded, err := loader.LoadManifest(context.Background(), "file://"+path, manifest.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, mpdBody, string(loaded.Data))
	assert.Equal(t, int64(len(mpdBody)), loaded.Size)

	_, err = loader.LoadManifest(context.Background(), "file://"+path+".missing", manifest.RequestOptions{})
	reqErr, ok := httpclient.AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, httpclient.KindNetwork, reqErr.Kind)
}

func TestSegmentLoader_ResolvesAgainstCDN(t *testing.T) {
	var mu sync.Mutex
	var paths, ranges []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		_, _ = w.Write([]byte("segment-data"))
	}))
	defer server.Close()

	loader := NewSegmentLoader(newClient())
	var progress []segment.Progress
	res, err := loader.LoadSegment(context.Background(),
		&cdn.Metadata{ID: "a", BaseURL: server.URL + "/cdn-a/video/"},
		segmentContent("v1/42.m4s", &manifest.ByteRange{Start: 100, End: 199}),
		segment.RequestOptions{Timeout: time.Second},
		segment.LoaderCallbacks{OnProgress: func(p segment.Progress) { progress = append(progress, p) }},
	)
	require.NoError(t, err)

	assert.Equal(t, segment.ResultLoaded, res.Type)
	assert.Equal(t, "segment-data", string(res.Data))
	require.NotNil(t, res.Metrics)
	assert.Equal(t, int64(len("segment-data")), res.Metrics.Size)
	assert.NotEmpty(t, progress)
	assert.Equal(t, []string{"/cdn-a/video/v1/42.m4s"}, paths)
	assert.Equal(t, []string{"bytes=100-199"}, ranges)

	_, err = loader.LoadSegment(context.Background(), nil, segmentContent(server.URL+"/abs.m4s", nil),
		segment.RequestOptions{}, segment.LoaderCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, "/abs.m4s", paths[1])
	assert.Empty(t, ranges[1])
}

func TestSegmentLoader_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	loader := NewSegmentLoader(newClient())
	_, err := loader.LoadSegment(context.Background(), nil, segmentContent(server.URL+"/slow.m4s", nil),
		segment.RequestOptions{ConnectionTimeout: 20 * time.Millisecond}, segment.LoaderCallbacks{})
	reqErr, ok := httpclient.AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, httpclient.KindTimeout, reqErr.Kind)
}

func TestSegmentLoader_File(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg.m4s"), []byte("0123456789"), 0o644))
	loader := NewSegmentLoader(newClient())

	tests := []struct {
		name    string
		br      *manifest.ByteRange
		want    string
		wantErr bool
	}{
		{"whole file", nil, "0123456789", false},
		{"byte range", &manifest.ByteRange{Start: 2, End: 4}, "234", false},
		{"open range", &manifest.ByteRange{Start: 7, End: -1}, "789", false},
		{"out of range", &manifest.ByteRange{Start: 20, End: 30}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := loader.LoadSegment(context.Background(), &cdn.Metadata{BaseURL: "file://" + dir + "/"},
				segmentContent("seg.m4s", tt.br), segment.RequestOptions{}, segment.LoaderCallbacks{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(res.Data))
		})
	}
}

func TestSegmentURL(t *testing.T) {
	c := segmentContent("v1/1.m4s", nil)
	assert.Equal(t, "v1/1.m4s", SegmentURL(nil, c))
	assert.Equal(t, "https://cdn.example.com/live/v1/1.m4s", SegmentURL(&cdn.Metadata{BaseURL: "https://cdn.example.com/live/"}, c))
	abs := segmentContent("https://other.example.com/x.m4s", nil)
	assert.Equal(t, "https://other.example.com/x.m4s", SegmentURL(&cdn.Metadata{BaseURL: "https://cdn.example.com/"}, abs))
}
