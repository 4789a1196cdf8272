// Package httpapi exposes an awaitflow host over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/awaitflow/pkg/api"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 60 * time.Second
)

// Server wraps the chi router and the host it serves.
type Server struct {
	router   *chi.Mux
	host     api.Host
	dc       api.DataConverter
	registry *prometheus.Registry
	metrics  *httpMetrics
	logger   *slog.Logger
	addr     string
}

// Options configures NewServer. Host and Converter are required.
type Options struct {
	Addr      string
	Host      api.Host
	Converter api.DataConverter
	// Registry backs /metrics and receives the HTTP collectors. Nil means
	// a fresh registry.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options) (*Server, error) {
	if opts.Host == nil || opts.Converter == nil {
		return nil, errors.New("httpapi: host and converter are required")
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m, err := newHTTPMetrics(opts.Registry)
	if err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}

	srv := &Server{
		router:   chi.NewRouter(),
		host:     opts.Host,
		dc:       opts.Converter,
		registry: opts.Registry,
		metrics:  m,
		logger:   opts.Logger,
		addr:     opts.Addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.metrics.middleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	srv.routes()
	return srv, nil
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleDescribe)
		r.Get("/{id}/result", s.handleResult)
		r.Get("/{id}/history", s.handleHistory)
		r.Post("/{id}/signals/{name}", s.handleSignal)
		r.Post("/{id}/cancel", s.handleCancel)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
