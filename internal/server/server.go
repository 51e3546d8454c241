// Package server exposes the node registry over HTTP: node invocation,
// operation listings, metrics and the audit trail.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nodegate/internal/audit"
	"nodegate/internal/node"
)

// maxRequestBytes bounds an execute request body.
const maxRequestBytes = 1 << 20

type Options struct {
	Registry *node.Registry
	Logger   *slog.Logger

	// Audit and Hub are optional; the audit routes answer 404 without them.
	Audit *audit.Logger
	Hub   *audit.Hub

	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken string
}

type Server struct {
	registry  *node.Registry
	logger    *slog.Logger
	audit     *audit.Logger
	hub       *audit.Hub
	authToken string
	started   time.Time
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:  opts.Registry,
		logger:    logger.With("component", "server"),
		audit:     opts.Audit,
		hub:       opts.Hub,
		authToken: strings.TrimSpace(opts.AuthToken),
		started:   time.Now(),
	}
}

// Handler returns the routes of the service.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handlePrometheus)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authorize)

		r.Get("/nodes", s.handleListNodes)
		r.Route("/nodes/{node}", func(r chi.Router) {
			r.Post("/execute", s.handleExecute)
			r.Post("/operations/{operation}", s.handleExecute)
			r.Get("/operations", s.handleOperations)
			r.Get("/metrics", s.handleNodeMetrics)
		})

		r.Get("/audit", s.handleAuditQuery)
		r.Get("/audit/stats", s.handleAuditStats)
		r.Get("/audit/stream", s.handleAuditStream)
	})
	return r
}

// Serve listens on addr until ctx is done, then drains in-flight requests
// for at most shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			expected := []byte("Bearer " + s.authToken)
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"nodes":  len(s.registry.Names()),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handlePrometheus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.registry.Metrics().PrometheusFormat()))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
