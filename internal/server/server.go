// Package server exposes the map API over HTTP: viewport refresh,
// snapshot streaming, and operational stats for browser map clients.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldscope/permitmap/internal/config"
	"github.com/fieldscope/permitmap/internal/geocode"
	"github.com/fieldscope/permitmap/internal/metrics"
	"github.com/fieldscope/permitmap/internal/store"
	"github.com/fieldscope/permitmap/internal/viewport"
)

// Server wires the viewport pipeline to HTTP handlers.
type Server struct {
	cfg         config.ServerConfig
	coordinator *viewport.Coordinator
	hub         *viewport.Hub
	geocoder    *geocode.Client
	store       store.Store
}

func New(cfg config.ServerConfig, coord *viewport.Coordinator, hub *viewport.Hub, gc *geocode.Client, st store.Store) *Server {
	return &Server{
		cfg:         cfg,
		coordinator: coord,
		hub:         hub,
		geocoder:    gc,
		store:       st,
	}
}

// Router builds the chi mux with cors, logging, and recovery.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	timeout := time.Duration(s.cfg.RequestTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))
			r.Post("/viewport", s.handleViewport)
			r.Get("/stats", s.handleStats)
		})
		// The stream stays open for the life of the subscriber, so it
		// skips the request timeout.
		r.Get("/stream", s.handleStream)
	})

	return r
}

// logRequests records latency per route in the request histogram and
// the debug log.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		elapsed := time.Since(start)
		metrics.RequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(elapsed.Seconds())
		zap.L().Debug("http request",
			zap.String("route", route),
			zap.String("method", r.Method),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed))
	})
}

// Run serves until ctx is canceled, then drains with the configured
// grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Port),
		Handler:     s.Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("server: listening", zap.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return eris.Wrap(err, "server: listen")
	case <-ctx.Done():
	}

	grace := time.Duration(s.cfg.ShutdownGraceSecs) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	zap.L().Info("server: shutting down", zap.Duration("grace", grace))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return nil
}
