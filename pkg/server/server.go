// Package server exposes queue progress and controls over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shaneisley/quotaq/pkg/logging"
	"github.com/shaneisley/quotaq/pkg/metrics"
	"github.com/shaneisley/quotaq/pkg/queue"
	"github.com/shaneisley/quotaq/pkg/storage"
)

// Server represents the HTTP control server
type Server struct {
	queue      *queue.Queue
	collector  *metrics.Collector
	journal    *storage.Journal
	logger     *logging.Logger
	router     *chi.Mux
	httpServer *http.Server
	now        func() time.Time
}

// Option configures a Server
type Option func(*Server)

// WithCollector serves the collector's registry on /metrics
func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) {
		s.collector = c
	}
}

// WithJournal serves journal statistics on /api/history
func WithJournal(j *storage.Journal) Option {
	return func(s *Server) {
		s.journal = j
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger.WithComponent("server")
	}
}

// New creates a server for q
func New(q *queue.Queue, opts ...Option) *Server {
	s := &Server{
		queue:  q,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/api/health", s.handleHealth)
	r.Route("/api/queue", func(r chi.Router) {
		r.Get("/progress", s.handleProgress)
		r.Get("/state", s.handleState)
		r.Get("/items", s.handleItems)
		r.Get("/items/{id}", s.handleItem)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/cancel", s.handleCancel)
	})
	r.Get("/api/history", s.handleHistory)
	if s.collector != nil {
		r.Method(http.MethodGet, "/metrics", s.collector.Handler())
	}

	s.router = r
	return s
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting control server", "addr", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop shuts the server down, waiting up to five seconds for open requests
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"phase":  s.queue.Progress().Phase,
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Progress())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.State())
}

// handleItems handles GET /api/queue/items, optionally filtered by ?status=
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	items := s.queue.State().Items
	if status := queue.Status(r.URL.Query().Get("status")); status != "" {
		filtered := make([]queue.WorkItem, 0, len(items))
		for _, item := range items {
			if item.Status == status {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.queue.State().Item(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handlePause handles POST /api/queue/pause?resume_after=<duration>
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var resumeAfter time.Duration
	if raw := r.URL.Query().Get("resume_after"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "resume_after must be a non-negative duration")
			return
		}
		resumeAfter = d
	}

	switch s.queue.Progress().Phase {
	case queue.PhaseCancelled:
		writeError(w, http.StatusConflict, "queue is cancelled")
		return
	case queue.PhaseCompleted:
		writeError(w, http.StatusConflict, "queue has finished")
		return
	}

	s.queue.Pause(queue.PauseUser, resumeAfter)
	writeJSON(w, http.StatusOK, s.queue.Progress())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume()
	writeJSON(w, http.StatusOK, s.queue.Progress())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.queue.Cancel()
	writeJSON(w, http.StatusOK, s.queue.Progress())
}

// handleHistory handles GET /api/history?hours=<n>, defaulting to the last day
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	end := s.now()
	stats, err := s.journal.AggregatedStats(end.Add(-time.Duration(hours)*time.Hour), end.Add(time.Millisecond))
	if err != nil {
		s.logger.LogError("aggregated stats", err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
