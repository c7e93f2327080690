package manifest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/streamerr"
)

// RefreshSettings describe a refresh requested through ScheduleManualRefresh.
type RefreshSettings struct {
	// EnablePartialRefresh allows using the manifest's update URL.
	EnablePartialRefresh bool
	// Delay is counted from the sending time of the last manifest request.
	Delay time.Duration
	// CanUseUnsafeMode allows the unsafe parsing mode when it is enabled.
	CanUseUnsafeMode bool
}

// refreshInfo describes the last successful load or refresh.
type refreshInfo struct {
	sendingTime time.Time
	parseTime   time.Duration
	updateTime  time.Duration
	// known is false when no parsing happened, as for a manifest given as-is.
	known bool
}

// refreshState is the set of triggers armed after one load or refresh. The
// first trigger firing stops all the others; a new state replaces it once
// the refresh completed.
type refreshState struct {
	ctx           context.Context
	stop          context.CancelFunc
	sendingTime   time.Time
	unsafeEnabled bool

	once sync.Once
}

// after runs fn after d unless the state is stopped first.
func (s *refreshState) after(d time.Duration, fn func()) {
	t := time.AfterFunc(d, fn)
	context.AfterFunc(s.ctx, func() { t.Stop() })
}

// claim reports whether the caller is the first trigger to fire.
func (s *refreshState) claim() bool {
	won := false
	s.once.Do(func() {
		won = s.ctx.Err() == nil
		s.stop()
	})
	return won
}

// ComputeRefreshDelay returns the delay before refreshing a manifest of the
// given lifetime (seconds), requested timeSinceRequest ago, whose last
// parsing and update took totalUpdateTime. A negative totalUpdateTime means
// unknown. Short lifetimes with slow updates are stretched to at least 3
// seconds after the request; updates taking at least a tenth of the
// lifetime stretch the delay by their duration. Stretching never goes over
// six times the regular delay.
func ComputeRefreshDelay(lifetime float64, timeSinceRequest, totalUpdateTime time.Duration) time.Duration {
	since := ms(timeSinceRequest)
	regular := lifetime*1000 - since
	if totalUpdateTime < 0 {
		return fromMS(regular)
	}
	total := ms(totalUpdateTime)

	var actual float64
	switch {
	case lifetime < 3 && total >= 100:
		actual = min(max(3000-since, max(regular, 0)+total), regular*6)
	case total >= lifetime*1000/10:
		actual = min(max(regular, 0)+total, regular*6)
	default:
		actual = regular
	}
	return fromMS(actual)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMS(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

func (f *Fetcher) minimumUpdateInterval(cfg *config.Config) time.Duration {
	if f.settings.MinimumUpdateInterval != nil {
		return *f.settings.MinimumUpdateInterval
	}
	return cfg.Manifest.MinimumUpdateInterval
}

func (f *Fetcher) sinceLocked(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return f.now().Sub(t)
}

// scheduleNext arms the refresh triggers following a successful load or
// refresh: the manual refresh hook, the expiration of the manifest and its
// lifetime.
func (f *Fetcher) scheduleNext(info refreshInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return
	}

	cfg := f.store.Current()
	totalUpdateTime := time.Duration(-1)
	if info.known {
		totalUpdateTime = info.parseTime + info.updateTime
	}

	var unsafeEnabled bool
	switch {
	case f.consecutiveUnsafe > 0:
		unsafeEnabled = f.consecutiveUnsafe < cfg.Manifest.MaxConsecutiveUnsafeMode
	case totalUpdateTime >= 0:
		unsafeEnabled = totalUpdateTime >= cfg.Manifest.MinUnsafeModeTrigger
	}

	since := f.sinceLocked(info.sendingTime)
	minInterval := max(f.minimumUpdateInterval(cfg)-since, 0)

	if f.state != nil {
		f.state.stop()
	}
	ctx, stop := context.WithCancel(f.ctx)
	st := &refreshState{
		ctx:           ctx,
		stop:          stop,
		sendingTime:   info.sendingTime,
		unsafeEnabled: unsafeEnabled,
	}
	f.state = st

	m := f.handle.Load()
	if m == nil {
		return
	}

	if expired := m.Expired; expired != nil {
		go func() {
			if !waitFor(ctx, minInterval) {
				return
			}
			select {
			case <-ctx.Done():
			case <-expired:
				f.fire(st, false, false)
			}
		}()
	}

	if m.Lifetime != nil && *m.Lifetime >= 0 {
		delay := max(ComputeRefreshDelay(*m.Lifetime, since, totalUpdateTime), minInterval)
		f.logger.Debug("next manifest refresh scheduled",
			slog.Duration("delay", delay),
			slog.Bool("unsafe_mode", unsafeEnabled),
		)
		st.after(delay, func() { f.fire(st, true, unsafeEnabled) })
	}
}

// ScheduleManualRefresh asks for a refresh after the given delay, counted
// from the last manifest request and never shorter than the minimum update
// interval. It has no effect while a refresh is in progress.
func (f *Fetcher) ScheduleManualRefresh(rs RefreshSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state
	if st == nil || f.disposed {
		return
	}

	cfg := f.store.Current()
	since := f.sinceLocked(st.sendingTime)
	minInterval := max(f.minimumUpdateInterval(cfg)-since, 0)
	delay := max(rs.Delay-since, minInterval)
	unsafe := rs.CanUseUnsafeMode && st.unsafeEnabled
	st.after(delay, func() { f.fire(st, rs.EnablePartialRefresh, unsafe) })
}

// UpdateContentURLs replaces the manifest URLs. The first one is used for
// the next refresh, which is performed right away when refreshNow is set.
func (f *Fetcher) UpdateContentURLs(urls []string, refreshNow bool) {
	f.mu.Lock()
	if len(urls) > 0 {
		f.urls = append([]string(nil), urls...)
		f.prioritizedURL = urls[0]
	} else {
		f.prioritizedURL = ""
	}
	f.mu.Unlock()

	if refreshNow {
		f.ScheduleManualRefresh(RefreshSettings{})
	}
}

func (f *Fetcher) fire(st *refreshState, enablePartial, unsafe bool) {
	if !st.claim() {
		return
	}
	f.mu.Lock()
	if f.state == st {
		f.state = nil
	}
	f.mu.Unlock()
	f.triggerRefresh(enablePartial, unsafe)
}

// triggerRefresh performs one refresh. A refresh requested while another is
// in progress is dropped.
func (f *Fetcher) triggerRefresh(enablePartial, unsafe bool) {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	m := f.handle.Load()

	var full bool
	var url string
	if f.prioritizedURL != "" {
		full, url = true, f.prioritizedURL
		f.prioritizedURL = ""
	} else {
		full = !enablePartial || m.UpdateURL == ""
		if full {
			url = firstURL(m.URLs, f.urls)
		} else {
			url = m.UpdateURL
		}
	}

	if unsafe {
		f.consecutiveUnsafe++
		f.logger.Info("refreshing the manifest in unsafe mode", slog.Int("consecutive", f.consecutiveUnsafe))
	} else if f.consecutiveUnsafe > 0 {
		f.logger.Info("stopping unsafe mode", slog.Int("consecutive", f.consecutiveUnsafe))
		f.consecutiveUnsafe = 0
	}

	if f.refreshPending {
		f.mu.Unlock()
		return
	}
	f.refreshPending = true
	f.mu.Unlock()

	res, err := f.refresh(url, ParserOptions{
		OriginalURL:         url,
		PreviousManifest:    m,
		UnsafeMode:          unsafe,
		IsPartial:           !full,
		ExternalClockOffset: m.ClockOffset,
	})

	f.mu.Lock()
	f.refreshPending = false
	f.mu.Unlock()

	if err != nil {
		f.fatalError(err)
		return
	}

	updateStart := time.Now()
	kind := RefreshFull
	var next *Manifest
	if full {
		next = f.handle.Replace(res.manifest)
	} else {
		kind = RefreshPartial
		next, err = f.handle.Update(res.manifest)
		if err != nil {
			f.logger.Warn("partial manifest update failed, downloading the manifest fully",
				slog.String("error", err.Error()))
			f.emitWarning(&streamerr.Error{
				Type:   streamerr.TypeOther,
				Code:   streamerr.CodeManifestUpdate,
				Reason: "partial manifest update failed",
				Err:    err,
			})
			f.observeRefresh(RefreshFailedPartial, res.parseTime)
			f.scheduleFullRefreshAfterFailure(res.sendingTime)
			return
		}
	}
	updateTime := time.Since(updateStart)
	f.observeRefresh(kind, res.parseTime)

	if f.isDisposed() {
		return
	}
	f.update.Emit(next)
	f.scheduleNext(refreshInfo{
		sendingTime: res.sendingTime,
		parseTime:   res.parseTime,
		updateTime:  updateTime,
		known:       true,
	})
}

func (f *Fetcher) refresh(url string, opts ParserOptions) (*loadResult, error) {
	loaded, err := f.load(url)
	if err != nil {
		return nil, err
	}
	return f.parse(loaded, opts)
}

// scheduleFullRefreshAfterFailure plans the single full refresh following a
// failed partial update.
func (f *Fetcher) scheduleFullRefreshAfterFailure(sendingTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return
	}
	cfg := f.store.Current()
	since := f.sinceLocked(sendingTime)
	minInterval := max(f.minimumUpdateInterval(cfg)-since, 0)
	delay := max(cfg.Manifest.FailedPartialUpdateDelay-since, minInterval)

	t := time.AfterFunc(delay, func() { f.triggerRefresh(false, false) })
	context.AfterFunc(f.ctx, func() { t.Stop() })
}

func (f *Fetcher) observeRefresh(kind RefreshKind, parseTime time.Duration) {
	if f.refreshHook != nil {
		f.refreshHook(kind, parseTime)
	}
}

func firstURL(lists ...[]string) string {
	for _, l := range lists {
		if len(l) > 0 {
			return l[0]
		}
	}
	return ""
}

// waitFor sleeps for d, returning false when ctx ends first.
func waitFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
