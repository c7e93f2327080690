package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/observability"
	"github.com/canalplus/rx-player-sub017/internal/retry"
	"github.com/canalplus/rx-player-sub017/internal/streamerr"
	"github.com/canalplus/rx-player-sub017/pkg/event"
)

// errDisposed is the cancellation cause of a disposed fetcher.
var errDisposed = errors.New("manifest fetcher disposed")

// RequestOptions are the per-request settings given to a Loader.
type RequestOptions struct {
	Timeout           time.Duration
	ConnectionTimeout time.Duration
}

// Loaded is a loaded manifest document.
type Loaded struct {
	URL             string
	Data            []byte
	Size            int64
	RequestDuration time.Duration
	// SendingTime and ReceivedTime are zero when unknown.
	SendingTime  time.Time
	ReceivedTime time.Time
}

// Loader loads a manifest document. Failures should be
// *httpclient.RequestError values so they can be classified for retry.
type Loader interface {
	LoadManifest(ctx context.Context, url string, opts RequestOptions) (*Loaded, error)
}

// ParserOptions are given to a Parser.
type ParserOptions struct {
	// OriginalURL is the URL the document was requested from.
	OriginalURL string
	// PreviousManifest is the current snapshot on refreshes, nil otherwise.
	PreviousManifest *Manifest
	// UnsafeMode allows a faster parse relying on PreviousManifest.
	UnsafeMode bool
	// IsPartial is set when the document comes from the update URL.
	IsPartial           bool
	ExternalClockOffset time.Duration
}

// ParseResult is the output of a Parser.
type ParseResult struct {
	Manifest *Manifest
	Warnings []error
}

// ScheduleRequestFunc performs a sub-request of a parser with the retry
// policy of manifest requests.
type ScheduleRequestFunc func(ctx context.Context, perform func(ctx context.Context) ([]byte, error)) ([]byte, error)

// Parser turns a loaded document into a Manifest. onWarnings may be called
// while parsing for non-fatal issues.
type Parser interface {
	ParseManifest(ctx context.Context, loaded *Loaded, opts ParserOptions, onWarnings func([]error), schedule ScheduleRequestFunc) (ParseResult, error)
}

// FetcherPipeline groups the loader and parser of a manifest format.
type FetcherPipeline struct {
	Loader Loader
	Parser Parser
}

// FetcherSettings tune one Fetcher. Nil pointers fall back to configuration.
type FetcherSettings struct {
	// InitialManifest skips the initial load when set.
	InitialManifest *Manifest
	// InitialData is parsed instead of performing the initial load when set.
	InitialData       []byte
	LowLatencyMode    bool
	MaxRetry          *int
	RequestTimeout    *time.Duration
	ConnectionTimeout *time.Duration
	// MinimumUpdateInterval overrides manifest.minimum_update_interval.
	MinimumUpdateInterval *time.Duration
}

// RefreshKind tells how a refresh was performed.
type RefreshKind string

const (
	RefreshFull          RefreshKind = "full"
	RefreshPartial       RefreshKind = "partial"
	RefreshFailedPartial RefreshKind = "failed_partial"
)

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithLogger sets the logger of the fetcher.
func WithLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = observability.ComponentLogger(logger, "manifest")
	}
}

// WithClock sets the clock used for refresh delay computations.
func WithClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		f.now = now
	}
}

// WithRefreshHook registers fn, called after each refresh attempt with its
// kind and the parsing time of the new document.
func WithRefreshHook(fn func(kind RefreshKind, parseTime time.Duration)) FetcherOption {
	return func(f *Fetcher) {
		f.refreshHook = fn
	}
}

// Fetcher loads a manifest and keeps it up to date.
type Fetcher struct {
	pipeline    FetcherPipeline
	settings    FetcherSettings
	store       *config.Store
	logger      *slog.Logger
	now         func() time.Time
	refreshHook func(RefreshKind, time.Duration)
	handle      *Handle

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu                sync.Mutex
	urls              []string
	started           bool
	disposed          bool
	consecutiveUnsafe int
	refreshPending    bool
	prioritizedURL    string
	state             *refreshState

	ready   event.Emitter[*Manifest]
	update  event.Emitter[*Manifest]
	warning event.Emitter[error]
	fatal   event.Emitter[error]
}

// NewFetcher creates a fetcher for the manifest at urls, most preferred first.
// Nothing happens before Start.
func NewFetcher(urls []string, pipeline FetcherPipeline, settings FetcherSettings, store *config.Store, opts ...FetcherOption) *Fetcher {
	if store == nil {
		store = config.NewStore(nil)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	f := &Fetcher{
		pipeline: pipeline,
		settings: settings,
		store:    store,
		logger:   observability.ComponentLogger(nil, "manifest"),
		now:      time.Now,
		handle:   NewHandle(nil),
		ctx:      ctx,
		cancel:   cancel,
		urls:     slices.Clone(urls),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = observability.WithSessionID(f.logger, ulid.Make().String())
	return f
}

// OnManifestReady subscribes to the first manifest being available.
func (f *Fetcher) OnManifestReady(fn func(*Manifest)) func() { return f.ready.On(fn) }

// OnManifestUpdate subscribes to every refreshed manifest.
func (f *Fetcher) OnManifestUpdate(fn func(*Manifest)) func() { return f.update.On(fn) }

// OnWarning subscribes to non-fatal errors.
func (f *Fetcher) OnWarning(fn func(error)) func() { return f.warning.On(fn) }

// OnError subscribes to the fatal error. It is emitted at most once, after
// which the fetcher is disposed.
func (f *Fetcher) OnError(fn func(error)) func() { return f.fatal.On(fn) }

// Manifest returns the current snapshot, nil before the manifest is ready.
func (f *Fetcher) Manifest() *Manifest {
	return f.handle.Load()
}

// Start resolves the initial manifest then keeps it refreshed. Calling it
// more than once has no effect. Cancelling ctx disposes the fetcher.
func (f *Fetcher) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started || f.disposed {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, f.Dispose)
	context.AfterFunc(f.ctx, func() { stop() })
	go f.run()
}

// Dispose stops every request and timer. No event is emitted afterwards.
func (f *Fetcher) Dispose() {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.disposed = true
	if f.state != nil {
		f.state.stop()
		f.state = nil
	}
	f.mu.Unlock()

	f.cancel(errDisposed)
	f.ready.Clear()
	f.update.Clear()
	f.warning.Clear()
	f.fatal.Clear()
}

func (f *Fetcher) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// loadResult is a parsed manifest with the timings driving the next refresh.
type loadResult struct {
	manifest    *Manifest
	sendingTime time.Time
	parseTime   time.Duration
	// parsed is false when the manifest was given as-is.
	parsed bool
}

func (f *Fetcher) run() {
	res, err := f.initialManifest()
	if err != nil {
		f.fatalError(err)
		return
	}
	m := f.handle.Replace(res.manifest)
	f.logger.Info("manifest ready",
		slog.String("manifest_id", m.ID),
		slog.Int("periods", len(m.Periods)),
		slog.Bool("dynamic", m.IsDynamic),
	)
	if f.isDisposed() {
		return
	}
	f.ready.Emit(m)
	f.scheduleNext(refreshInfo{
		sendingTime: res.sendingTime,
		parseTime:   res.parseTime,
		known:       res.parsed,
	})
}

func (f *Fetcher) initialManifest() (*loadResult, error) {
	if f.settings.InitialManifest != nil {
		return &loadResult{manifest: f.settings.InitialManifest}, nil
	}
	url := f.primaryURL()
	opts := ParserOptions{OriginalURL: url}
	if f.settings.InitialData != nil {
		return f.parse(&Loaded{URL: url, Data: f.settings.InitialData, Size: int64(len(f.settings.InitialData))}, opts)
	}
	loaded, err := f.load(url)
	if err != nil {
		return nil, err
	}
	return f.parse(loaded, opts)
}

func (f *Fetcher) primaryURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.urls) == 0 {
		return ""
	}
	return f.urls[0]
}

func (f *Fetcher) retrySettings() retry.Settings {
	cfg := f.store.Current()
	base, maxDelay := cfg.Request.BackoffDelays(f.settings.LowLatencyMode)
	maxRetry := cfg.Manifest.MaxRetry
	if f.settings.MaxRetry != nil {
		maxRetry = *f.settings.MaxRetry
	}
	return retry.Settings{
		BaseDelay:       base,
		MaxDelay:        maxDelay,
		MaxRetry:        maxRetry,
		JitterFactor:    cfg.Request.JitterFactor,
		RetryableStatus: cfg.HTTP.RetryableStatus(),
		Logger:          f.logger,
		OnRetry: func(err error) {
			f.emitWarning(streamerr.Format(err, streamerr.CodePipelineLoad, "an error happened when loading the manifest"))
		},
	}
}

func (f *Fetcher) requestOptions() RequestOptions {
	cfg := f.store.Current()
	opts := RequestOptions{Timeout: cfg.Request.Timeout, ConnectionTimeout: cfg.Request.ConnectionTimeout}
	if f.settings.RequestTimeout != nil {
		opts.Timeout = *f.settings.RequestTimeout
	}
	if f.settings.ConnectionTimeout != nil {
		opts.ConnectionTimeout = *f.settings.ConnectionTimeout
	}
	return opts
}

// load fetches url with the manifest retry policy. Intermediate failures are
// emitted as warnings.
func (f *Fetcher) load(url string) (*Loaded, error) {
	opts := f.requestOptions()
	loaded, err := retry.Do(f.ctx, func(ctx context.Context) (*Loaded, error) {
		return f.pipeline.Loader.LoadManifest(ctx, url, opts)
	}, f.retrySettings())
	if err != nil {
		return nil, streamerr.Format(err, streamerr.CodePipelineLoad, "an error happened when loading the manifest")
	}
	if loaded.URL == "" {
		loaded.URL = url
	}
	return loaded, nil
}

func (f *Fetcher) parse(loaded *Loaded, opts ParserOptions) (*loadResult, error) {
	ctx := f.ctx
	onWarnings := func(warnings []error) {
		for _, w := range warnings {
			if ctx.Err() != nil {
				return
			}
			f.emitWarning(streamerr.Format(w, streamerr.CodePipelineParse, "an error happened while parsing the manifest"))
		}
	}
	schedule := func(ctx context.Context, perform func(context.Context) ([]byte, error)) ([]byte, error) {
		data, err := retry.Do(ctx, perform, f.retrySettings())
		if err != nil {
			return nil, streamerr.Format(err, streamerr.CodePipelineLoad, "an error happened when loading a manifest resource")
		}
		return data, nil
	}

	start := time.Now()
	res, err := f.pipeline.Parser.ParseManifest(ctx, loaded, opts, onWarnings, schedule)
	if err != nil {
		if ctx.Err() != nil {
			return nil, streamerr.Cancelled(ctx)
		}
		return nil, streamerr.Format(err, streamerr.CodePipelineParse, "an error happened while parsing the manifest")
	}
	if res.Manifest == nil {
		return nil, &streamerr.Error{
			Type:   streamerr.TypeOther,
			Code:   streamerr.CodePipelineParse,
			Reason: "parser returned no manifest",
		}
	}
	onWarnings(res.Warnings)
	parseTime := time.Since(start)
	f.logger.Debug("manifest parsed",
		slog.String("url", observability.RedactURL(loaded.URL)),
		slog.Duration("parse_time", parseTime),
	)
	if len(res.Manifest.URLs) == 0 && !opts.IsPartial {
		res.Manifest.URLs = []string{loaded.URL}
	}
	return &loadResult{
		manifest:    res.Manifest,
		sendingTime: loaded.SendingTime,
		parseTime:   parseTime,
		parsed:      true,
	}, nil
}

func (f *Fetcher) emitWarning(err error) {
	if err == nil || streamerr.IsCancellation(err) || f.isDisposed() {
		return
	}
	f.logger.Warn("manifest warning", slog.String("error", err.Error()))
	f.warning.Emit(err)
}

// fatalError emits err once then disposes the fetcher. Nothing is emitted
// when the fetcher was already disposed.
func (f *Fetcher) fatalError(err error) {
	if f.isDisposed() || streamerr.IsCancellation(err) {
		return
	}
	f.logger.Error("manifest fetcher failed", slog.String("error", err.Error()))
	f.fatal.Emit(fmt.Errorf("manifest: %w", err))
	f.Dispose()
}
