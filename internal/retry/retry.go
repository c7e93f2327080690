// Package retry wraps requests with exponential backoff and CDN failover.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/streamerr"
	"github.com/canalplus/rx-player-sub017/pkg/httpclient"
)

// Settings holds the retry policy of one kind of request.
type Settings struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxRetry is the number of retries allowed per origin after the first attempt.
	MaxRetry int
	// JitterFactor randomizes each delay by up to +/- this fraction.
	JitterFactor float64
	// RetryableStatus lists the HTTP statuses worth retrying.
	RetryableStatus *httpclient.StatusCodeSet
	// OnRetry is called with the failure before each new attempt.
	OnRetry func(err error)
	Logger  *slog.Logger
}

func (s *Settings) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Backoff returns the delay before retry number attempt (starting at 1):
// base * 2^(attempt-1), randomized by jitter and capped at maxDelay.
func Backoff(base, maxDelay time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if jitter > 0 {
		delay *= 1 + jitter*(2*rand.Float64()-1)
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, fails with a non-retryable error, or
// MaxRetry retries were made.
func Do[T any](ctx context.Context, fn func(ctx context.Context) (T, error), s Settings) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return zero, streamerr.Cancelled(ctx)
		}
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if streamerr.IsCancellation(err) || ctx.Err() != nil {
			return zero, cancellationOf(ctx, err)
		}
		if attempt > s.MaxRetry || !streamerr.IsRetryable(err, s.RetryableStatus) {
			return zero, err
		}

		delay := Backoff(s.BaseDelay, s.MaxDelay, attempt, s.JitterFactor)
		s.logger().Debug("retrying request",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if s.OnRetry != nil {
			s.OnRetry(err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

type cdnAttempts struct {
	errors       int
	blockedUntil time.Time
}

// DoWithCDNs calls fn on the preferred CDN of cdns, failing over to the other
// ones. Each CDN has its own retry counter and backoff: after a retryable
// failure a CDN is downgraded and blocked for its backoff delay, while other
// CDNs may be tried immediately. When every remaining CDN is blocked, the
// earliest one is waited for. An empty cdns list stands for a single
// anonymous origin, for which fn receives nil.
func DoWithCDNs[T any](
	ctx context.Context,
	cdns []cdn.Metadata,
	prioritizer *cdn.Prioritizer,
	fn func(ctx context.Context, origin *cdn.Metadata) (T, error),
	s Settings,
) (T, error) {
	var zero T
	if len(cdns) == 0 {
		return Do(ctx, func(ctx context.Context) (T, error) { return fn(ctx, nil) }, s)
	}

	missed := make(map[cdn.Metadata]*cdnAttempts, len(cdns))
	var lastErr error

	for {
		if ctx.Err() != nil {
			return zero, streamerr.Cancelled(ctx)
		}

		candidates := cdns
		if prioritizer != nil {
			candidates = prioritizer.PreferenceFor(cdns)
		}

		var (
			next      *cdn.Metadata
			earliest  time.Time
			remaining int
		)
		now := time.Now()
		for i := range candidates {
			m := missed[candidates[i]]
			if m != nil && m.errors > s.MaxRetry {
				continue
			}
			remaining++
			if m == nil || !m.blockedUntil.After(now) {
				next = &candidates[i]
				break
			}
			if earliest.IsZero() || m.blockedUntil.Before(earliest) {
				earliest = m.blockedUntil
			}
		}

		if remaining == 0 {
			return zero, lastErr
		}
		if next == nil {
			if err := sleep(ctx, earliest.Sub(now)); err != nil {
				return zero, err
			}
			continue
		}

		origin := *next
		if prioritizer != nil && prioritizer.IsDowngraded(origin) {
			s.logger().Debug("falling back to a downgraded cdn", slog.String("cdn", origin.String()))
		}
		res, err := fn(ctx, &origin)
		if err == nil {
			return res, nil
		}
		if streamerr.IsCancellation(err) || ctx.Err() != nil {
			return zero, cancellationOf(ctx, err)
		}
		if !streamerr.IsRetryable(err, s.RetryableStatus) {
			return zero, err
		}
		lastErr = err

		if prioritizer != nil {
			prioritizer.Downgrade(origin)
		}
		m := missed[origin]
		if m == nil {
			m = &cdnAttempts{}
			missed[origin] = m
		}
		m.errors++
		delay := Backoff(s.BaseDelay, s.MaxDelay, m.errors, s.JitterFactor)
		m.blockedUntil = time.Now().Add(delay)

		if !anyRemaining(cdns, missed, s.MaxRetry) {
			return zero, err
		}
		s.logger().Debug("retrying request on cdn",
			slog.String("cdn", origin.String()),
			slog.Int("errors", m.errors),
			slog.Duration("blocked_for", delay),
			slog.String("error", err.Error()),
		)
		if s.OnRetry != nil {
			s.OnRetry(err)
		}
	}
}

func anyRemaining(cdns []cdn.Metadata, missed map[cdn.Metadata]*cdnAttempts, maxRetry int) bool {
	for _, c := range cdns {
		if m := missed[c]; m == nil || m.errors <= maxRetry {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return streamerr.Cancelled(ctx)
	case <-timer.C:
		return nil
	}
}

func cancellationOf(ctx context.Context, err error) error {
	if streamerr.IsCancellation(err) {
		return err
	}
	return streamerr.Cancelled(ctx)
}
