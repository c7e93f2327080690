package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

const playlistBody = "#EXTM3U\n#EXT-X-TARGETDURATION:4\n"

func TestClient_Fetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "streamcore-test", r.Header.Get(HeaderUserAgent))
		_, _ = w.Write([]byte(playlistBody))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "streamcore-test"
	client := New(cfg)

	resp, err := client.Fetch(context.Background(), server.URL+"/live.m3u8", FetchOptions{})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, playlistBody, string(resp.Body))
	assert.Equal(t, int64(len(playlistBody)), resp.Size)
	assert.Equal(t, server.URL+"/live.m3u8", resp.URL)
	assert.GreaterOrEqual(t, resp.RequestDuration(), time.Duration(0))
}

func TestClient_Fetch_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewWithDefaults().Fetch(context.Background(), server.URL, FetchOptions{})
	require.Error(t, err)

	reqErr, ok := AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, KindHTTPStatus, reqErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, reqErr.Status)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_Fetch_ConnectionTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	_, err := NewWithDefaults().Fetch(context.Background(), server.URL, FetchOptions{ConnectionTimeout: 30 * time.Millisecond})
	reqErr, ok := AsRequestError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, KindTimeout, reqErr.Kind)
	assert.ErrorIs(t, err, errConnectionTimeout)
}

func TestClient_Fetch_RequestTimeoutWhileReadingBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	_, err := NewWithDefaults().Fetch(context.Background(), server.URL, FetchOptions{
		Timeout:           50 * time.Millisecond,
		ConnectionTimeout: time.Second,
	})
	reqErr, ok := AsRequestError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, KindTimeout, reqErr.Kind)
}

func TestClient_Fetch_CallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewWithDefaults().Fetch(ctx, server.URL, FetchOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	_, isReqErr := AsRequestError(err)
	assert.False(t, isReqErr)
}

func TestClient_Fetch_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewWithDefaults().Fetch(context.Background(), url, FetchOptions{})
	reqErr, ok := AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, reqErr.Kind)
}

func TestClient_Fetch_ContentEncoding(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		encode   func(t *testing.T, data []byte) []byte
	}{
		{"gzip", EncodingGzip, func(t *testing.T, data []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, err := w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		}},
		{"brotli", EncodingBrotli, func(t *testing.T, data []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, err := w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.encode(t, []byte(playlistBody))
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(HeaderContentEncoding, tt.encoding)
				_, _ = w.Write(encoded)
			}))
			defer server.Close()

			// A custom transport keeps the standard library from handling gzip itself.
			cfg := DefaultConfig()
			cfg.BaseClient = &http.Client{Transport: &http.Transport{DisableCompression: true}}
			resp, err := New(cfg).Fetch(context.Background(), server.URL, FetchOptions{})
			require.NoError(t, err)
			assert.Equal(t, playlistBody, string(resp.Body))
		})
	}
}

func TestClient_Fetch_SniffCompression(t *testing.T) {
	tests := []struct {
		name   string
		encode func(t *testing.T, data []byte) []byte
	}{
		{"gzip", func(t *testing.T, data []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, _ = w.Write(data)
			require.NoError(t, w.Close())
			return buf.Bytes()
		}},
		{"bzip2", func(t *testing.T, data []byte) []byte {
			var buf bytes.Buffer
			w, err := bzip2.NewWriter(&buf, nil)
			require.NoError(t, err)
			_, _ = w.Write(data)
			require.NoError(t, w.Close())
			return buf.Bytes()
		}},
		{"xz", func(t *testing.T, data []byte) []byte {
			var buf bytes.Buffer
			w, err := xz.NewWriter(&buf)
			require.NoError(t, err)
			_, _ = w.Write(data)
			require.NoError(t, w.Close())
			return buf.Bytes()
		}},
		{"plain", func(_ *testing.T, data []byte) []byte { return data }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.encode(t, []byte(playlistBody))
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(encoded)
			}))
			defer server.Close()

			resp, err := NewWithDefaults().Fetch(context.Background(), server.URL, FetchOptions{SniffCompression: true})
			require.NoError(t, err)
			assert.Equal(t, playlistBody, string(resp.Body))
		})
	}
}

func TestClient_Fetch_MaxResponseSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxResponseSize = 1024
	_, err := New(cfg).Fetch(context.Background(), server.URL, FetchOptions{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResponseTooLarge))
	reqErr, ok := AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, KindParseBody, reqErr.Kind)
}

func TestClient_Fetch_RangeAndProgress(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 3*readChunkSize)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=100-199", r.Header.Get(HeaderRange))
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	var lastLoaded int64
	calls := 0
	resp, err := NewWithDefaults().Fetch(context.Background(), server.URL, FetchOptions{
		Range: &ByteRange{Start: 100, End: 199},
		OnProgress: func(loaded, total int64) {
			calls++
			assert.GreaterOrEqual(t, loaded, lastLoaded)
			lastLoaded = loaded
		},
	})
	require.NoError(t, err)

	assert.Len(t, resp.Body, len(payload))
	assert.Equal(t, int64(len(payload)), lastLoaded)
	assert.GreaterOrEqual(t, calls, 1)
}

func TestByteRange_Header(t *testing.T) {
	assert.Equal(t, "bytes=0-", ByteRange{Start: 0, End: -1}.header())
	assert.Equal(t, "bytes=10-20", ByteRange{Start: 10, End: 20}.header())
}
