// Package httpclient provides the HTTP client used by the manifest and segment
// loaders.
//
// The client wraps the standard http.Client and adds what media requests need:
//   - A request timeout and a time-to-first-byte (connection) timeout
//   - Typed errors distinguishing timeouts, HTTP statuses and network failures
//   - Transparent decompression (gzip, deflate, brotli) and optional sniffing
//     of gzip/bzip2/xz compressed bodies by magic bytes
//   - Progress reporting while the body is read
//
// Retries are not handled here: callers wrap Fetch with their own retry policy.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Default configuration values.
const (
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "streamcore-httpclient/1.0"
	readChunkSize               = 32 * 1024
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
	HeaderRange           = "Range"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger

	// EnableDecompression enables decompression based on Content-Encoding.
	EnableDecompression bool

	// MaxResponseSize is the maximum allowed response body size in bytes,
	// applied after decompression. 0 disables the limit.
	MaxResponseSize int64

	// BaseClient is the underlying http.Client to use.
	// If nil, a default client without global timeout is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:           DefaultUserAgentHeader,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// ByteRange is an inclusive byte range. End < 0 means "until the end".
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) header() string {
	if r.End < 0 {
		return "bytes=" + strconv.FormatInt(r.Start, 10) + "-"
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// FetchOptions tunes one request.
type FetchOptions struct {
	// Timeout bounds the whole request, body included. 0 disables it.
	Timeout time.Duration
	// ConnectionTimeout bounds the time until response headers are received. 0 disables it.
	ConnectionTimeout time.Duration
	// Range requests a byte range of the resource.
	Range *ByteRange
	// SniffCompression decompresses gzip, bzip2 or xz bodies detected by magic bytes.
	SniffCompression bool
	// OnProgress is called after each read with the bytes loaded so far and
	// the expected total (-1 when unknown).
	OnProgress func(loaded, total int64)
}

// Response is a fully read HTTP response.
type Response struct {
	// URL is the final URL after redirects.
	URL          string
	Status       int
	Header       http.Header
	Body         []byte
	Size         int64
	SendingTime  time.Time
	ReceivedTime time.Time
}

// RequestDuration returns the time between sending and receiving the response.
func (r *Response) RequestDuration() time.Duration {
	return r.ReceivedTime.Sub(r.SendingTime)
}

// Client performs media requests.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a new client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseClient := cfg.BaseClient
	if baseClient == nil {
		baseClient = &http.Client{}
	}

	return &Client{
		config: cfg,
		client: baseClient,
		logger: cfg.Logger,
	}
}

// NewWithDefaults creates a new client with default configuration.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Fetch performs a GET request and reads the whole body.
//
// Failures are returned as *RequestError, except when ctx itself is done: the
// context error is then returned unchanged so callers can tell cancellation
// apart from failure.
func (c *Client) Fetch(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, func() { cancel(errRequestTimeout) })
		defer timer.Stop()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RequestError{URL: url, Kind: KindNetwork, Err: fmt.Errorf("creating request: %w", err)}
	}
	if c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}
	if opts.Range != nil {
		req.Header.Set(HeaderRange, opts.Range.header())
	}

	var connTimer *time.Timer
	if opts.ConnectionTimeout > 0 {
		connTimer = time.AfterFunc(opts.ConnectionTimeout, func() { cancel(errConnectionTimeout) })
	}

	sendingTime := time.Now()
	resp, err := c.client.Do(req)
	if connTimer != nil {
		connTimer.Stop()
	}
	if err != nil {
		return nil, c.classify(ctx, reqCtx, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("unexpected status code",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
		)
		return nil, NewStatusError(url, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if c.config.EnableDecompression {
		body, err = decodeContentEncoding(resp.Header.Get(HeaderContentEncoding), resp.Body)
		if err != nil {
			return nil, &RequestError{URL: url, Kind: KindParseBody, Err: err}
		}
	}
	if c.config.MaxResponseSize > 0 {
		body = &limitedReader{reader: body, remaining: c.config.MaxResponseSize}
	}

	data, err := readAll(body, resp.ContentLength, opts.OnProgress)
	if err != nil {
		if errors.Is(err, ErrResponseTooLarge) {
			return nil, &RequestError{URL: url, Kind: KindParseBody, Err: err}
		}
		return nil, c.classify(ctx, reqCtx, url, err)
	}
	receivedTime := time.Now()

	if opts.SniffCompression {
		if data, err = decompressSniffed(data); err != nil {
			return nil, &RequestError{URL: url, Kind: KindParseBody, Err: err}
		}
	}

	c.logger.Debug("request completed",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", receivedTime.Sub(sendingTime)),
		slog.Int("size", len(data)),
	)

	return &Response{
		URL:          resp.Request.URL.String(),
		Status:       resp.StatusCode,
		Header:       resp.Header,
		Body:         data,
		Size:         int64(len(data)),
		SendingTime:  sendingTime,
		ReceivedTime: receivedTime,
	}, nil
}

// classify turns a transport error into a RequestError, unless the caller's
// own context was cancelled.
func (c *Client) classify(parent, reqCtx context.Context, url string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	cause := context.Cause(reqCtx)
	if errors.Is(cause, errRequestTimeout) || errors.Is(cause, errConnectionTimeout) {
		return &RequestError{URL: url, Kind: KindTimeout, Err: cause}
	}
	c.logger.Debug("request failed", slog.String("url", url), slog.String("error", err.Error()))
	return &RequestError{URL: url, Kind: KindNetwork, Err: err}
}

func readAll(r io.Reader, total int64, onProgress func(loaded, total int64)) ([]byte, error) {
	if onProgress == nil {
		return io.ReadAll(r)
	}
	if total <= 0 {
		total = -1
	}

	var data []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			onProgress(int64(len(data)), total)
		}
		if errors.Is(err, io.EOF) {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// limitedReader returns ErrResponseTooLarge once more than remaining bytes were read.
type limitedReader struct {
	reader    io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.reader.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrResponseTooLarge
	}
	return n, err
}
