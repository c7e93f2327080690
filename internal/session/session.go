// Package session drives the scheduling core end to end: it follows a
// manifest, picks representations from the bandwidth estimate and downloads
// segments ahead of a simulated playhead.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/inventory"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/manifest/dash"
	"github.com/canalplus/rx-player-sub017/internal/manifest/hls"
	"github.com/canalplus/rx-player-sub017/internal/metrics"
	"github.com/canalplus/rx-player-sub017/internal/observability"
	"github.com/canalplus/rx-player-sub017/internal/segment"
	"github.com/canalplus/rx-player-sub017/internal/segment/fmp4"
	"github.com/canalplus/rx-player-sub017/internal/taskprio"
	"github.com/canalplus/rx-player-sub017/internal/transport"
	"github.com/canalplus/rx-player-sub017/pkg/httpclient"
)

// Option defaults.
const (
	DefaultBufferGoal   = 30.0
	DefaultBackBuffer   = 30.0
	DefaultLiveDelay    = 10.0
	DefaultTickInterval = 200 * time.Millisecond
)

// Options tune a Session.
type Options struct {
	// Download enables segment loading. Only the manifest is followed
	// otherwise.
	Download   bool
	LowLatency bool
	// UpdateURL is announced to the parsers as the partial refresh location.
	UpdateURL string
	// BufferGoal is how far ahead of the playhead segments are requested,
	// in seconds.
	BufferGoal float64
	// BackBuffer is how much media is kept behind the playhead, in seconds.
	BackBuffer float64
	// LiveDelay is the distance to the live edge live playbacks start at.
	LiveDelay float64
	// TickInterval paces the download loops and the playhead.
	TickInterval time.Duration
	// PlaybackRate is the speed of the simulated playhead, 1 when zero.
	PlaybackRate float64

	// Client overrides the HTTP client built from configuration.
	Client  *httpclient.Client
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BufferGoal <= 0 {
		o.BufferGoal = DefaultBufferGoal
	}
	if o.BackBuffer <= 0 {
		o.BackBuffer = DefaultBackBuffer
	}
	if o.LiveDelay <= 0 {
		o.LiveDelay = DefaultLiveDelay
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.PlaybackRate <= 0 {
		o.PlaybackRate = 1
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session plays one content.
type Session struct {
	id        string
	opts      Options
	store     *config.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics
	bandwidth *metrics.BandwidthEstimator
	cdns      *cdn.Prioritizer
	tasks     *taskprio.Prioritizer[struct{}]
	manifest  *manifest.Fetcher
	buffers   map[manifest.TrackType]*buffer
	playhead  *playhead

	refreshMu      sync.Mutex
	refreshVersion uint64
}

// New creates a session playing the manifest at url.
func New(url string, store *config.Store, opts Options) *Session {
	opts = opts.withDefaults()
	id := ulid.Make().String()
	base := observability.WithSessionID(opts.Logger, id)
	cfg := store.Current()

	s := &Session{
		id:        id,
		opts:      opts,
		store:     store,
		logger:    observability.ComponentLogger(base, "session"),
		metrics:   opts.Metrics,
		bandwidth: metrics.NewBandwidthEstimator(0),
		buffers:   make(map[manifest.TrackType]*buffer),
		playhead:  &playhead{},
	}

	client := opts.Client
	if client == nil {
		client = transport.NewClient(cfg.HTTP, base)
	}
	manifestLoader := transport.NewManifestLoader(client, base)
	parser := &formatParser{
		hls: &hls.Parser{
			Loader: manifestLoader,
			RequestOptions: manifest.RequestOptions{
				Timeout:           cfg.Request.Timeout,
				ConnectionTimeout: cfg.Request.ConnectionTimeout,
			},
			UpdateURL: opts.UpdateURL,
		},
		dash: &dash.Parser{UpdateURL: opts.UpdateURL},
	}
	s.manifest = manifest.NewFetcher([]string{url},
		manifest.FetcherPipeline{Loader: manifestLoader, Parser: parser},
		manifest.FetcherSettings{LowLatencyMode: opts.LowLatency},
		store,
		manifest.WithLogger(base),
		manifest.WithRefreshHook(s.metrics.ObserveManifestRefresh),
	)

	s.cdns = cdn.NewPrioritizer(store, cdn.WithLogger(base))
	s.metrics.WatchCDN(s.cdns)
	s.tasks = taskprio.New[struct{}](
		taskprio.Steps{High: cfg.Prioritizer.High, Low: cfg.Prioritizer.Low},
		taskprio.WithLogger[struct{}](base),
		taskprio.WithObserver[struct{}](s.metrics.ObserveTasks),
	)

	lifecycle := s.metrics.Lifecycle(segment.Lifecycle{
		OnMetrics: func(m segment.Metrics) {
			s.bandwidth.Observe(m)
			if est, ok := s.bandwidth.Estimate(); ok {
				s.metrics.SetBandwidth(est)
			}
		},
	})
	pipeline := segment.Pipeline{Loader: transport.NewSegmentLoader(client), Parser: fmp4.Parser{}}
	for _, bt := range []manifest.TrackType{manifest.TrackAudio, manifest.TrackVideo} {
		f := segment.NewFetcher(bt, pipeline, s.cdns, store,
			segment.WithLogger(base),
			segment.WithLifecycle(lifecycle),
			segment.WithLowLatency(opts.LowLatency),
		)
		s.buffers[bt] = newBuffer(s, bt, segment.NewPrioritizedFetcher(f, s.tasks), base)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Manifest returns the current manifest snapshot, nil before it is loaded.
func (s *Session) Manifest() *manifest.Manifest {
	return s.manifest.Manifest()
}

// Inventory returns the inventory of a buffer type, nil when the session
// has no such buffer.
func (s *Session) Inventory(t manifest.TrackType) *inventory.Inventory {
	if b, ok := s.buffers[t]; ok {
		return b.inventory
	}
	return nil
}

// CDN returns the CDN prioritizer shared by the segment fetchers.
func (s *Session) CDN() *cdn.Prioritizer {
	return s.cdns
}

// Metrics returns the metrics the session reports to.
func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics
}

// OnManifestUpdate registers fn, called with every refreshed manifest.
func (s *Session) OnManifestUpdate(fn func(*manifest.Manifest)) func() {
	return s.manifest.OnManifestUpdate(fn)
}

// Run plays the content until it ends, ctx is cancelled or a fatal error
// happens. Cancelling ctx is not an error.
func (s *Session) Run(ctx context.Context) error {
	ready := make(chan *manifest.Manifest, 1)
	fatal := make(chan error, 1)
	s.manifest.OnManifestReady(func(m *manifest.Manifest) {
		select {
		case ready <- m:
		default:
		}
	})
	s.manifest.OnManifestUpdate(func(m *manifest.Manifest) {
		s.logger.Debug("manifest updated",
			slog.String("manifest_id", m.ID),
			slog.Uint64("version", m.Version),
		)
	})
	s.manifest.OnWarning(func(err error) {
		s.logger.Warn("manifest warning", slog.String("error", err.Error()))
	})
	s.manifest.OnError(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	defer s.cdns.Dispose()
	defer s.manifest.Dispose()
	loaded := observability.TimedOperation(ctx, s.logger, "initial_manifest_load")
	s.manifest.Start(ctx)

	var m *manifest.Manifest
	select {
	case m = <-ready:
		loaded()
	case err := <-fatal:
		return err
	case <-ctx.Done():
		return nil
	}
	s.playhead.reset(startPosition(m, s.opts.LiveDelay))
	s.logger.Info("session started",
		slog.Float64("position", s.playhead.position()),
		slog.Bool("live", m.IsLive),
		slog.Bool("download", s.opts.Download),
	)

	if !s.opts.Download {
		select {
		case err := <-fatal:
			return err
		case <-ctx.Done():
			return nil
		}
	}

	gctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	g, gctx := errgroup.WithContext(gctx)
	for _, b := range s.buffers {
		g.Go(func() error { return b.run(gctx) })
	}
	g.Go(func() error { return s.advancePlayhead(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case err := <-fatal:
		cancel(err)
		<-done
		return err
	case <-ctx.Done():
		<-done
		return nil
	}
}

// requestRefresh asks for a manifest refresh, at most once per manifest
// version.
func (s *Session) requestRefresh(m *manifest.Manifest) {
	s.refreshMu.Lock()
	if s.refreshVersion >= m.Version+1 {
		s.refreshMu.Unlock()
		return
	}
	s.refreshVersion = m.Version + 1
	s.refreshMu.Unlock()

	s.logger.Debug("live edge reached, refreshing manifest", slog.Uint64("version", m.Version))
	s.manifest.ScheduleManualRefresh(manifest.RefreshSettings{
		EnablePartialRefresh: true,
		CanUseUnsafeMode:     true,
	})
}

// advancePlayhead moves the playhead forward with the wall clock while
// every active buffer has media ahead of it.
func (s *Session) advancePlayhead(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	last := time.Now()
	stalled := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds() * s.opts.PlaybackRate
			last = now

			pos := s.playhead.position()
			if end := contentEnd(s.manifest.Manifest()); pos >= end-bufferGapTolerance {
				s.logger.Info("end of content reached", slog.Float64("position", pos))
				return nil
			}
			ahead := math.Inf(1)
			for _, b := range s.buffers {
				if b.active() {
					ahead = min(ahead, b.sink.BufferedAhead(pos, bufferGapTolerance))
				}
			}
			if math.IsInf(ahead, 1) {
				continue
			}
			step := min(elapsed, ahead)
			if step <= 0 {
				if !stalled {
					s.logger.Info("playback stalled, waiting for data", slog.Float64("position", pos))
				}
				stalled = true
				continue
			}
			if stalled {
				s.logger.Info("playback resumed", slog.Float64("position", pos))
			}
			stalled = false
			s.playhead.advance(step)
		}
	}
}

// Status is a summary of the session state.
type Status struct {
	Position  float64
	Bandwidth float64
	Buffers   map[manifest.TrackType]BufferStatus
	// RunningTasks and WaitingTasks count the segment requests held by the
	// task prioritizer.
	RunningTasks int
	WaitingTasks int
}

// BufferStatus is a summary of one buffer.
type BufferStatus struct {
	Representation string
	Bitrate        int64
	BufferedAhead  float64
	Bytes          int64
	InFlight       int
	Interruptions  int64
}

// Status returns a summary of the session state.
func (s *Session) Status() Status {
	st := Status{
		Position: s.playhead.position(),
		Buffers:  make(map[manifest.TrackType]BufferStatus, len(s.buffers)),
	}
	st.Bandwidth, _ = s.bandwidth.Estimate()
	st.RunningTasks, st.WaitingTasks = s.tasks.Stats()
	for t, b := range s.buffers {
		bs := BufferStatus{
			BufferedAhead: b.sink.BufferedAhead(st.Position, bufferGapTolerance),
			Bytes:         b.sink.Bytes(),
			InFlight:      int(b.inFlight.Load()),
			Interruptions: b.interruptions.Load(),
		}
		if rep := b.current.Load(); rep != nil {
			bs.Representation = rep.ID
			bs.Bitrate = rep.Bitrate
		}
		st.Buffers[t] = bs
	}
	return st
}

// playhead is the simulated playback position, in seconds.
type playhead struct {
	mu  sync.Mutex
	pos float64
}

func (p *playhead) reset(pos float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
}

func (p *playhead) advance(d float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos += d
}

func (p *playhead) position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// startPosition is the beginning of the first period, or LiveDelay seconds
// behind the live edge for live contents.
func startPosition(m *manifest.Manifest, liveDelay float64) float64 {
	if len(m.Periods) == 0 {
		return 0
	}
	start := m.Periods[0].Start
	if !m.IsLive {
		return start
	}
	minimum, edge := math.Inf(1), math.Inf(-1)
	for _, p := range m.Periods {
		for _, t := range manifest.TrackTypes {
			for _, a := range p.Adaptations[t] {
				for _, r := range a.Representations {
					if r.Index == nil {
						continue
					}
					if first, ok := r.Index.FirstPosition(); ok {
						minimum = min(minimum, first)
					}
					if last, ok := r.Index.LastPosition(); ok {
						edge = max(edge, last)
					}
				}
			}
		}
	}
	if math.IsInf(edge, -1) {
		return start
	}
	return max(minimum, edge-liveDelay)
}

// contentEnd returns the end of the last period of a static content, +Inf
// when unknown.
func contentEnd(m *manifest.Manifest) float64 {
	if m == nil || m.IsDynamic || len(m.Periods) == 0 {
		return math.Inf(1)
	}
	if end := m.Periods[len(m.Periods)-1].End; end != nil {
		return *end
	}
	return math.Inf(1)
}

var errBufferFailed = errors.New("segment buffer failed")
