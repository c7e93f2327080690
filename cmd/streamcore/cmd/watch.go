package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/debugserver"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/observability"
	"github.com/canalplus/rx-player-sub017/internal/session"
	"github.com/canalplus/rx-player-sub017/internal/urlutil"
	"github.com/canalplus/rx-player-sub017/pkg/format"
)

var watchCmd = &cobra.Command{
	Use:   "watch <manifest-url>",
	Short: "Follow a manifest and download its segments",
	Long: `Follow an HLS or DASH manifest and download its segments ahead of a
simulated playhead, as a player would.

The session ends when the content has been played to its end, when
--duration elapses, on SIGINT/SIGTERM, or on a fatal error.

With --metrics, a debug server exposes Prometheus metrics on /metrics and
the live configuration, buffer inventories and CDN state under /debug.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Duration("duration", 0, "stop after this long (0 = until the content ends)")
	watchCmd.Flags().Bool("download", true, "download segments (only follow the manifest when false)")
	watchCmd.Flags().Bool("low-latency", false, "use the low-latency retry delays")
	watchCmd.Flags().String("update-url", "", "URL of the shorter manifest used for partial refreshes")
	watchCmd.Flags().Float64("buffer-goal", session.DefaultBufferGoal, "seconds of media to buffer ahead of the playhead")
	watchCmd.Flags().Float64("live-delay", session.DefaultLiveDelay, "distance to the live edge in seconds")
	watchCmd.Flags().Float64("rate", 1, "playback rate of the simulated playhead")
	watchCmd.Flags().Duration("status-interval", 5*time.Second, "interval between status log lines (0 = disabled)")
	watchCmd.Flags().Bool("metrics", false, "start the metrics and debug server")
	watchCmd.Flags().String("metrics-address", "", "address of the metrics and debug server")

	mustBindPFlag("request.low_latency_mode", watchCmd.Flags().Lookup("low-latency"))
	mustBindPFlag("metrics.enabled", watchCmd.Flags().Lookup("metrics"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	if addr, _ := cmd.Flags().GetString("metrics-address"); addr != "" {
		viper.Set("metrics.address", addr)
	}
	if err := urlutil.ValidateManifestURL(args[0]); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := config.NewStore(cfg)

	flags := cmd.Flags()
	download, _ := flags.GetBool("download")
	updateURL, _ := flags.GetString("update-url")
	bufferGoal, _ := flags.GetFloat64("buffer-goal")
	if bufferGoal <= 0 {
		bufferGoal = session.DefaultBufferGoal
	}
	liveDelay, _ := flags.GetFloat64("live-delay")
	rate, _ := flags.GetFloat64("rate")
	duration, _ := flags.GetDuration("duration")
	statusInterval, _ := flags.GetDuration("status-interval")

	s := session.New(args[0], store, session.Options{
		Download:     download,
		LowLatency:   cfg.Request.LowLatencyMode,
		UpdateURL:    updateURL,
		BufferGoal:   bufferGoal,
		LiveDelay:    liveDelay,
		PlaybackRate: rate,
		Logger:       logger,
	})
	logger = observability.WithSessionID(logger, s.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, duration)
		defer cancelTimeout()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("starting session",
		slog.String("url", observability.RedactURL(args[0])),
		slog.Bool("download", download),
		slog.Bool("low_latency", cfg.Request.LowLatencyMode),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.Run(gctx)
	})
	if cfg.Metrics.Enabled {
		srv := debugserver.New(store,
			debugserver.WithLogger(logger),
			debugserver.WithMetrics(s.Metrics(), nil),
			debugserver.WithInventories(s.Inventory),
			debugserver.WithCDN(s.CDN()),
		)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Metrics.Address) })
	}
	started := time.Now()
	if statusInterval > 0 && download {
		g.Go(func() error {
			reportStatus(gctx, s, statusInterval, bufferGoal, started, logger)
			return nil
		})
	}

	err = g.Wait()
	if download {
		logStatus(s.Status(), bufferGoal, time.Since(started), logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.WithError(logger, err).Error("session failed")
		return fmt.Errorf("watching %s: %w", observability.RedactURL(args[0]), err)
	}
	logger.Info("session ended")
	return nil
}

func reportStatus(ctx context.Context, s *session.Session, interval time.Duration, bufferGoal float64, started time.Time, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStatus(s.Status(), bufferGoal, time.Since(started), logger)
		}
	}
}

func logStatus(st session.Status, bufferGoal float64, elapsed time.Duration, logger *slog.Logger) {
	attrs := []any{
		slog.String("elapsed", format.Duration(elapsed)),
		slog.String("position", format.Position(st.Position)),
		slog.String("bandwidth", format.Bitrate(st.Bandwidth)),
		slog.Int("running_tasks", st.RunningTasks),
		slog.Int("waiting_tasks", st.WaitingTasks),
	}
	types := make([]manifest.TrackType, 0, len(st.Buffers))
	for t := range st.Buffers {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		b := st.Buffers[t]
		if b.Representation == "" {
			continue
		}
		attrs = append(attrs, slog.Group(string(t),
			slog.String("representation", b.Representation),
			slog.String("bitrate", format.Bitrate(float64(b.Bitrate))),
			slog.String("buffered", format.Seconds(b.BufferedAhead)),
			slog.String("fill", format.Percentage(100*min(b.BufferedAhead/bufferGoal, 1), 0)),
			slog.String("downloaded", format.Bytes(b.Bytes)),
			slog.Int("in_flight", b.InFlight),
			slog.String("interruptions", format.Number(b.Interruptions)),
		))
	}
	logger.Info("status", attrs...)
}
