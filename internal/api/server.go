package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"harbor/internal/event"
	"harbor/internal/logging"
	"harbor/internal/manager"
	"harbor/internal/metrics"
	"harbor/internal/stream"
	"harbor/internal/version"
)

const shutdownGrace = 5 * time.Second

type Server struct {
	Manager        *manager.Manager
	Streams        *stream.Handler
	InstanceBus    *event.Bus[event.InstanceEvent]
	SessionBus     *event.Bus[event.SessionEvent]
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
}

// Routes assembles the full handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": version.GetInfo(),
		})
	})
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /api/status", s.handle(s.status))
	mux.HandleFunc("GET /api/logs", s.handle(s.recentLogs))

	mux.HandleFunc("GET /api/instances", s.handle(s.listInstances))
	mux.HandleFunc("POST /api/instances", s.handle(s.createInstance))
	mux.HandleFunc("GET /api/instances/{id}", s.handle(s.getInstance))
	mux.HandleFunc("DELETE /api/instances/{id}", s.handle(s.deleteInstance))
	mux.HandleFunc("POST /api/instances/{id}/stop", s.handle(s.stopInstance))
	mux.HandleFunc("POST /api/instances/{id}/activity", s.handle(s.recordActivity))
	mux.HandleFunc("POST /api/instances/{id}/reset-restarts", s.handle(s.resetRestarts))

	mux.HandleFunc("POST /api/sessions/{id}/subscribe", s.handle(s.subscribeSession))
	mux.HandleFunc("DELETE /api/sessions/{id}/subscribe", s.handle(s.unsubscribeSession))
	mux.HandleFunc("POST /api/sessions/{id}/delivered", s.handle(s.markDelivered))
	mux.HandleFunc("GET /api/sessions/{id}/state", s.handle(s.sessionState))

	mux.HandleFunc("GET /api/events", s.handleEventsSSE)
	mux.HandleFunc("GET /api/events/ws", s.handleEventsWS)

	return loggingMiddleware(s.Logger, mux)
}

func (s *Server) handle(h apiHandler) http.HandlerFunc {
	return jsonErrorMiddleware(authMiddleware(s.AuthToken, h))
}

func (s *Server) registry() *metrics.Registry {
	if s.Metrics != nil {
		return s.Metrics
	}
	return metrics.Default
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_ = s.registry().WritePrometheus(w)
}

// Run serves the API until ctx is cancelled, then drains connections for a
// short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
