// Package debugserver serves metrics and introspection endpoints of a
// running session.
package debugserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/internal/inventory"
	"github.com/canalplus/rx-player-sub017/internal/manifest"
	"github.com/canalplus/rx-player-sub017/internal/metrics"
	"github.com/canalplus/rx-player-sub017/internal/observability"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second

	// maxConfigBody bounds PUT /debug/config bodies.
	maxConfigBody = 1 << 20
)

// InventoryFunc returns the inventory of a buffer type, nil when there is
// none.
type InventoryFunc func(manifest.TrackType) *inventory.Inventory

// Server is the debug HTTP server.
type Server struct {
	router     *chi.Mux
	store      *config.Store
	metrics    *metrics.Metrics
	scrape     func()
	inventory  InventoryFunc
	cdns       *cdn.Prioritizer
	logger     *slog.Logger
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = observability.ComponentLogger(logger, "debugserver")
	}
}

// WithMetrics serves m on /metrics. beforeScrape, when set, is called before
// each scrape to refresh gauges.
func WithMetrics(m *metrics.Metrics, beforeScrape func()) Option {
	return func(s *Server) {
		s.metrics = m
		s.scrape = beforeScrape
	}
}

// WithInventories serves the inventories returned by fn.
func WithInventories(fn InventoryFunc) Option {
	return func(s *Server) {
		s.inventory = fn
	}
}

// WithCDN serves the downgraded CDNs of p.
func WithCDN(p *cdn.Prioritizer) Option {
	return func(s *Server) {
		s.cdns = p
	}
}

// New creates a Server exposing store and the configured components.
func New(store *config.Store, opts ...Option) *Server {
	s := &Server{
		store:  store,
		logger: observability.ComponentLogger(nil, "debugserver"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestID(s.logger))
	r.Use(requestLogger)
	r.Use(recoverer)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler(s.scrape))
	}
	r.Route("/debug", func(r chi.Router) {
		r.Get("/config", s.getConfig)
		r.Put("/config", s.putConfig)
		r.Get("/inventory/{type}", s.getInventory)
		r.Get("/cdn", s.getCDN)
	})
	s.router = r
	return s
}

// Handler returns the router of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting debug server", slog.String("address", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("starting debug server: %w", err)
			return
		}
		errChan <- nil
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down debug server: %w", err)
	}
	s.logger.Info("debug server stopped")
	return nil
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Current())
}

// putConfig merges a partial JSON document into the live configuration.
// Durations are expressed in nanoseconds.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding configuration: %w", err))
		return
	}

	err = s.store.Apply(func(c *config.Config) error {
		if err := json.Unmarshal(body, c); err != nil {
			return fmt.Errorf("decoding configuration: %w", err)
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	observability.LoggerFromContext(r.Context()).Info("configuration updated", slog.Int("fields", len(probe)))
	writeJSON(w, http.StatusOK, s.store.Current())
}

// chunkView is a BufferedChunk with the identity of its segment.
type chunkView struct {
	inventory.BufferedChunk
	Segment manifest.ContentID `json:"segment"`
}

func (s *Server) getInventory(w http.ResponseWriter, r *http.Request) {
	bufferType := manifest.TrackType(chi.URLParam(r, "type"))
	var inv *inventory.Inventory
	if s.inventory != nil {
		inv = s.inventory(bufferType)
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no inventory for buffer type %q", bufferType))
		return
	}

	snapshot := inv.Snapshot()
	views := make([]chunkView, len(snapshot))
	for i, c := range snapshot {
		views[i] = chunkView{BufferedChunk: c, Segment: c.ID()}
	}
	writeJSON(w, http.StatusOK, views)
}

type cdnResponse struct {
	Downgraded []cdn.Metadata `json:"downgraded"`
}

func (s *Server) getCDN(w http.ResponseWriter, _ *http.Request) {
	resp := cdnResponse{Downgraded: []cdn.Metadata{}}
	if s.cdns != nil {
		if d := s.cdns.Downgraded(); d != nil {
			resp.Downgraded = d
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
