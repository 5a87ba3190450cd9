// Package http serves the operational surface: health and readiness probes,
// Prometheus metrics, and a minimal admin API for enqueueing tracks and
// inspecting session queues.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mixqueue/internal/core"
	"mixqueue/internal/session"
	"mixqueue/internal/track"
)

// StatsSource is polled periodically to refresh the gauge metrics. The
// session registry implements this shape.
type StatsSource interface {
	Count() int
}

// Engine is the slice of the session layer the admin endpoints drive. The
// session registry implements it.
type Engine interface {
	EnqueueTrack(ctx context.Context, sessionID, requester, rawURL string, priority bool) error
	QueueTracks(sessionID string, limit int) ([]*track.Descriptor, bool)
}

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics
}

type Metrics struct {
	registry *prometheus.Registry

	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	PreparedTracks     prometheus.Gauge
	LoadsTotal         *prometheus.CounterVec
	FirstTrackLatency  prometheus.Histogram
	BatchesTotal       prometheus.Counter
	DuplicatesTotal    prometheus.Counter
	ActiveSessions     prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixqueue_resolutions_total",
				Help: "Total number of track resolutions",
			},
			[]string{"source", "status"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mixqueue_resolution_duration_seconds",
				Help:    "Time from task submission to terminal result",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixqueue_retries_total",
				Help: "Total number of resolution retries",
			},
			[]string{"source"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mixqueue_queue_depth",
				Help: "Number of queued tracks per lane",
			},
			[]string{"session", "lane"},
		),
		PreparedTracks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mixqueue_prepared_tracks",
				Help: "Number of tracks in preparation caches",
			},
		),
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixqueue_loads_total",
				Help: "Total number of collection loads",
			},
			[]string{"status"},
		),
		FirstTrackLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mixqueue_first_track_latency_seconds",
				Help:    "Time until a collection's first track is playable",
				Buckets: prometheus.DefBuckets,
			},
		),
		BatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mixqueue_batches_total",
				Help: "Total number of collection batches delivered",
			},
		),
		DuplicatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mixqueue_duplicates_total",
				Help: "Total number of duplicate tracks dropped",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mixqueue_active_sessions",
				Help: "Number of live sessions",
			},
		),
	}

	m.registry.MustRegister(
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.RetriesTotal,
		m.QueueDepth,
		m.PreparedTracks,
		m.LoadsTotal,
		m.FirstTrackLatency,
		m.BatchesTotal,
		m.DuplicatesTotal,
		m.ActiveSessions,
	)
	return m
}

func NewServer(config *core.ServerConfig, engine Engine, logger *zap.Logger) *Server {
	metrics := newMetrics()
	mux := setupRoutes(logger, metrics, engine)

	return &Server{
		config:  config,
		logger:  logger,
		server:  createHTTPServer(config, mux),
		metrics: metrics,
	}
}

func setupRoutes(logger *zap.Logger, metrics *Metrics, engine Engine) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok","service":"mixqueue"}`)); err != nil {
			logger.Debug("Failed to write health response", zap.Error(err))
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ready","service":"mixqueue"}`)); err != nil {
			logger.Debug("Failed to write ready response", zap.Error(err))
		}
	})

	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	if engine != nil {
		mux.HandleFunc("POST /enqueue", enqueueHandler(logger, engine))
		mux.HandleFunc("GET /queue", queueHandler(logger, engine))
	}

	mux.HandleFunc("/", homeHandler(logger))

	return mux
}

type queuedTrack struct {
	Source   string `json:"source"`
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Duration string `json:"duration,omitempty"`
	Resolved bool   `json:"resolved"`
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("Failed to write JSON response", zap.Error(err))
	}
}

func enqueueHandler(logger *zap.Logger, engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawURL := r.FormValue("url")
		if rawURL == "" {
			writeJSON(logger, w, http.StatusBadRequest, map[string]string{"error": "missing url parameter"})
			return
		}
		sessionID := r.FormValue("session")
		if sessionID == "" {
			sessionID = "default"
		}
		requester := r.FormValue("requester")
		priority, _ := strconv.ParseBool(r.FormValue("priority"))

		err := engine.EnqueueTrack(r.Context(), sessionID, requester, rawURL, priority)
		switch {
		case errors.Is(err, session.ErrFloodLimited):
			writeJSON(logger, w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		case err != nil:
			logger.Warn("Enqueue request failed",
				zap.String("session", sessionID),
				zap.String("url", rawURL),
				zap.Error(err))
			writeJSON(logger, w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		default:
			writeJSON(logger, w, http.StatusAccepted, map[string]string{"status": "queued", "session": sessionID})
		}
	}
}

func queueHandler(logger *zap.Logger, engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.FormValue("session")
		if sessionID == "" {
			sessionID = "default"
		}
		limit := 50
		if raw := r.FormValue("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}

		descriptors, ok := engine.QueueTracks(sessionID, limit)
		if !ok {
			writeJSON(logger, w, http.StatusNotFound, map[string]string{"error": "unknown session"})
			return
		}
		tracks := make([]queuedTrack, 0, len(descriptors))
		for _, d := range descriptors {
			tracks = append(tracks, queuedTrack{
				Source:   d.Source,
				ID:       d.SourceID,
				Title:    d.Title,
				Duration: d.Duration,
				Resolved: d.Resolved,
			})
		}
		writeJSON(logger, w, http.StatusOK, tracks)
	}
}

func homeHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>mixqueue</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .header { color: #333; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
        .endpoint a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1 class="header">mixqueue</h1>
    <p>Playback scheduling service for multi-source streaming queues</p>

    <h2>Endpoints</h2>
    <div class="endpoint"><a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint"><a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint"><a href="/readyz">Ready</a> - Readiness check</div>
    <div class="endpoint"><a href="/queue">Queue</a> - Queued tracks for a session</div>
    <div class="endpoint">POST /enqueue - Add a track or collection URL to a session</div>
</body>
</html>`)); err != nil {
			logger.Debug("Failed to write home response", zap.Error(err))
		}
	}
}

func createHTTPServer(config *core.ServerConfig, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

// WatchSessions refreshes the active-session gauge from src until ctx is
// cancelled.
func (s *Server) WatchSessions(ctx context.Context, src StatsSource, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.ActiveSessions.Set(float64(src.Count()))
		}
	}
}

func (s *Server) RecordResolution(source, status string) {
	s.metrics.ResolutionsTotal.WithLabelValues(source, status).Inc()
}

func (s *Server) RecordResolutionDuration(source string, d time.Duration) {
	s.metrics.ResolutionDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (s *Server) RecordRetry(source string) {
	s.metrics.RetriesTotal.WithLabelValues(source).Inc()
}

func (s *Server) SetQueueDepth(session, lane string, depth int) {
	s.metrics.QueueDepth.WithLabelValues(session, lane).Set(float64(depth))
}

func (s *Server) SetPreparedTracks(count int) {
	s.metrics.PreparedTracks.Set(float64(count))
}

func (s *Server) RecordLoad(status string) {
	s.metrics.LoadsTotal.WithLabelValues(status).Inc()
}

func (s *Server) RecordFirstTrackLatency(d time.Duration) {
	s.metrics.FirstTrackLatency.Observe(d.Seconds())
}

func (s *Server) RecordBatch() {
	s.metrics.BatchesTotal.Inc()
}

func (s *Server) RecordDuplicate() {
	s.metrics.DuplicatesTotal.Inc()
}

func (s *Server) SetActiveSessions(count int) {
	s.metrics.ActiveSessions.Set(float64(count))
}
