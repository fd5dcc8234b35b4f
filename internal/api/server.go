package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/running/internal/engine"
	"github.com/seantiz/running/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server exposes batch submission, inspection and log streaming over HTTP.
type Server struct {
	router  *chi.Mux
	store   store.Store
	engine  *engine.Engine
	logger  *slog.Logger
	addr    string
	started time.Time
}

// NewServer wires the router, middleware stack and routes.
func NewServer(addr string, s store.Store, eng *engine.Engine, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		store:   s,
		engine:  eng,
		logger:  logger,
		addr:    addr,
		started: time.Now(),
	}

	srv.router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		srv.loggingMiddleware,
		metricsMiddleware,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id", "Location"},
			MaxAge:         300,
		}),
	)

	srv.router.Get("/healthz", srv.handleHealthz)
	srv.router.Handle("/metrics", metricsHandler())
	srv.router.Route("/v1", func(r chi.Router) {
		r.Get("/stats", srv.handleGetStats)
		r.Get("/backends", srv.handleListBackends)

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", srv.handleRunBatch)
			r.Post("/async", srv.handleSubmitBatch)
			r.Get("/", srv.handleListBatches)
			r.Get("/{id}", srv.handleGetBatch)
			r.Delete("/{id}", srv.handleCancelBatch)
			r.Get("/{id}/logs", srv.handleStreamLogs)
			r.Get("/{id}/logs/history", srv.handleGetLogHistory)
		})
	})

	return srv
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx ends. Shutdown cancels running batches first,
// so synchronous runs return their cancelled records, then drains open
// requests and waits for the engine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	// Synchronous runs and log streams clear the write deadline themselves.
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", l.Addr().String())
		errCh <- httpServer.Serve(l)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	s.engine.CancelAll()
	err := httpServer.Shutdown(shutdownCtx)
	s.engine.Wait()
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", serveErr)
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request; server errors at warn level, probe
// and scrape traffic at debug.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
