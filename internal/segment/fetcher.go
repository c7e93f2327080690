package segment

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/observability"
	"github.com/canalplus/rx-player-sub017/internal/retry"
	"github.com/canalplus/rx-player-sub017/internal/streamerr"
	"github.com/canalplus/rx-player-sub017/pkg/httpclient"
)

var errAttemptTimeout = errors.New("segment request timeout")

// Fetcher loads the segments of one buffer type.
type Fetcher struct {
	bufferType manifest.TrackType
	pipeline   Pipeline
	cdns       *cdn.Prioritizer
	store      *config.Store
	cache      *InitCache
	lifecycle  Lifecycle
	lowLatency bool
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger used by the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = observability.ComponentLogger(logger, "segment")
	}
}

// WithLifecycle registers request lifecycle callbacks.
func WithLifecycle(lc Lifecycle) Option {
	return func(f *Fetcher) {
		f.lifecycle = lc
	}
}

// WithLowLatency selects the low-latency retry delays.
func WithLowLatency(enabled bool) Option {
	return func(f *Fetcher) {
		f.lowLatency = enabled
	}
}

// NewFetcher creates a Fetcher for bufferType. cdns may be nil. Audio and
// video fetchers cache their initialization segments.
func NewFetcher(bufferType manifest.TrackType, pipeline Pipeline, cdns *cdn.Prioritizer, store *config.Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		bufferType: bufferType,
		pipeline:   pipeline,
		cdns:       cdns,
		store:      store,
		logger:     observability.ComponentLogger(nil, "segment"),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(slog.String("buffer_type", string(bufferType)))
	if bufferType == manifest.TrackAudio || bufferType == manifest.TrackVideo {
		f.cache = NewInitCache()
	}
	return f
}

// BufferType returns the buffer type the fetcher loads segments for.
func (f *Fetcher) BufferType() manifest.TrackType {
	return f.bufferType
}

// Fetch loads content's segment, handing each loaded unit to cb.OnChunk. It
// returns nil once the request settled and every chunk was delivered, a
// cancellation error when ctx ends first, or a *streamerr.Error.
func (f *Fetcher) Fetch(ctx context.Context, content manifest.Content, cb FetchCallbacks) error {
	seg := content.Segment
	if seg == nil {
		return errors.New("segment: fetch without segment")
	}
	if ctx.Err() != nil {
		return streamerr.Cancelled(ctx)
	}

	if f.cache != nil && seg.IsInit {
		if data, ok := f.cache.Get(content); ok {
			f.logger.Debug("init segment loaded from cache", slog.String("segment", seg.ID))
			st := f.newFetch(content, "")
			st.deliver(ctx, cb, LoadedChunk{Data: data})
			st.settle(nil)
			if cb.OnAllChunksReceived != nil {
				cb.OnAllChunksReceived()
			}
			return nil
		}
	}

	st := f.newFetch(content, uuid.NewString())
	f.logger.Debug("segment request",
		slog.String("request_id", st.id),
		slog.String("segment", seg.ID),
		slog.String("url", observability.RedactURL(seg.URL)),
	)
	if f.lifecycle.OnRequestBegin != nil {
		f.lifecycle.OnRequestBegin(RequestInfo{ID: st.id, Content: content, URL: seg.URL})
	}

	cfg := f.store.Current()
	opts := RequestOptions{Timeout: cfg.Request.Timeout, ConnectionTimeout: cfg.Request.ConnectionTimeout}
	loaderCallbacks := LoaderCallbacks{
		OnProgress: func(p Progress) {
			if ctx.Err() == nil && f.lifecycle.OnProgress != nil && !st.requestEnded() {
				f.lifecycle.OnProgress(ProgressInfo{ID: st.id, Progress: p})
			}
		},
		OnNewChunk: func(data []byte) {
			st.deliver(ctx, cb, LoadedChunk{Data: data, IsChunked: true})
		},
	}

	attempt := func(ctx context.Context, origin *cdn.Metadata) (LoadResult, error) {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			actx, cancel = context.WithTimeoutCause(ctx, opts.Timeout, errAttemptTimeout)
		}
		defer cancel()
		res, err := f.pipeline.Loader.LoadSegment(actx, origin, content, opts, loaderCallbacks)
		if err != nil && ctx.Err() == nil && errors.Is(context.Cause(actx), errAttemptTimeout) {
			if _, ok := httpclient.AsRequestError(err); !ok {
				err = &httpclient.RequestError{URL: seg.URL, Kind: httpclient.KindTimeout, Err: err}
			}
		}
		return res, err
	}

	res, err := retry.DoWithCDNs(ctx, cdnsOf(content), f.cdns, attempt, f.retrySettings(cfg, cb))
	st.endRequest()
	if err != nil {
		if streamerr.IsCancellation(err) {
			return err
		}
		f.logger.Warn("segment request failed",
			slog.String("request_id", st.id),
			slog.String("segment", seg.ID),
			slog.String("error", err.Error()),
		)
		return streamerr.Format(err, streamerr.CodePipelineLoad, "an error happened when loading a segment")
	}

	switch res.Type {
	case ResultLoaded:
		if f.cache != nil && seg.IsInit {
			f.cache.Add(content, res.Data)
		}
		st.deliver(ctx, cb, LoadedChunk{Data: res.Data})
		st.settle(res.Metrics)
	case ResultCreated:
		st.deliver(ctx, cb, LoadedChunk{Data: res.Data})
		st.settle(nil)
	default:
		st.settle(res.Metrics)
	}
	if ctx.Err() != nil {
		return streamerr.Cancelled(ctx)
	}
	if cb.OnAllChunksReceived != nil {
		cb.OnAllChunksReceived()
	}
	return nil
}

func (f *Fetcher) retrySettings(cfg *config.Config, cb FetchCallbacks) retry.Settings {
	base, maxDelay := cfg.Request.BackoffDelays(f.lowLatency || cfg.Request.LowLatencyMode)
	return retry.Settings{
		BaseDelay:       base,
		MaxDelay:        maxDelay,
		MaxRetry:        cfg.Request.MaxRetry,
		JitterFactor:    cfg.Request.JitterFactor,
		RetryableStatus: cfg.HTTP.RetryableStatus(),
		Logger:          f.logger,
		OnRetry: func(err error) {
			if cb.OnRetry != nil {
				cb.OnRetry(streamerr.Format(err, streamerr.CodePipelineLoad, "an error happened when loading a segment"))
			}
		},
	}
}

func cdnsOf(content manifest.Content) []cdn.Metadata {
	if content.Representation == nil {
		return nil
	}
	return content.Representation.CDNMetadata
}

func (f *Fetcher) newFetch(content manifest.Content, id string) *fetchState {
	return &fetchState{f: f, content: content, id: id, requestDone: id == ""}
}

// fetchState follows one Fetch call until its metrics are reported.
type fetchState struct {
	f       *Fetcher
	content manifest.Content
	id      string

	mu          sync.Mutex
	requestDone bool
	settled     bool
	metrics     *RequestMetrics
	chunks      int
	parsed      int
	duration    *float64
	reported    bool
}

func (st *fetchState) requestEnded() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.requestDone
}

// endRequest reports the end of the request, once.
func (st *fetchState) endRequest() {
	st.mu.Lock()
	if st.requestDone {
		st.mu.Unlock()
		return
	}
	st.requestDone = true
	st.mu.Unlock()
	if st.f.lifecycle.OnRequestEnd != nil {
		st.f.lifecycle.OnRequestEnd(st.id)
	}
}

func (st *fetchState) deliver(ctx context.Context, cb FetchCallbacks, data LoadedChunk) {
	if ctx.Err() != nil {
		return
	}
	st.mu.Lock()
	st.chunks++
	st.mu.Unlock()
	if cb.OnChunk != nil {
		cb.OnChunk(&Chunk{state: st, data: data})
	}
}

// settle records that no more chunk will be delivered.
func (st *fetchState) settle(metrics *RequestMetrics) {
	st.mu.Lock()
	st.settled = true
	st.metrics = metrics
	report := st.reportLocked()
	st.mu.Unlock()
	report()
}

func (st *fetchState) chunkParsed(p Parsed) {
	st.mu.Lock()
	if st.parsed == 0 {
		st.duration = new(float64)
	}
	st.parsed++
	switch {
	case p.IsInit:
	case p.Info == nil || p.Info.Duration == nil:
		st.duration = nil
	case st.duration != nil:
		*st.duration += *p.Info.Duration
	}
	report := st.reportLocked()
	st.mu.Unlock()
	report()
}

func (st *fetchState) reportLocked() func() {
	if st.reported || !st.settled || st.metrics == nil || st.parsed < st.chunks {
		return func() {}
	}
	st.reported = true
	m := Metrics{
		BufferType:      st.f.bufferType,
		Content:         st.content,
		Size:            st.metrics.Size,
		RequestDuration: st.metrics.Duration,
	}
	if st.duration != nil && !st.content.Segment.IsInit {
		d := *st.duration
		m.SegmentDuration = &d
	}
	onMetrics := st.f.lifecycle.OnMetrics
	return func() {
		if onMetrics != nil {
			onMetrics(m)
		}
	}
}

// Chunk is a loaded unit whose parsing is deferred until Parse is called.
type Chunk struct {
	state *fetchState
	data  LoadedChunk

	once   sync.Once
	parsed Parsed
	err    error
}

// Data returns the loaded bytes.
func (c *Chunk) Data() []byte {
	return c.data.Data
}

// Parse parses the chunk. Later calls return the first result.
func (c *Chunk) Parse(initTimescale *uint32) (Parsed, error) {
	c.once.Do(func() {
		st := c.state
		c.parsed, c.err = st.f.pipeline.Parser.ParseSegment(c.data, st.content, initTimescale)
		if c.err != nil {
			c.err = streamerr.Format(c.err, streamerr.CodePipelineParse, "an error happened when parsing a segment")
			return
		}
		st.chunkParsed(c.parsed)
	})
	return c.parsed, c.err
}
