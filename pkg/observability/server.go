// Package observability serves metrics, health and the live attendance
// summary over HTTP.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/session"
)

// SummaryProvider returns the current session summary. It must be safe to
// call from the server goroutine.
type SummaryProvider interface {
	Summary() session.Summary
}

// Server provides HTTP endpoints for observability.
type Server struct {
	server *http.Server
	router *chi.Mux
	addr   string
}

var log = logging.Component("observability")

// NewServer creates a new observability HTTP server. provider may be nil,
// in which case /attendance reports 503.
func NewServer(addr string, gatherer prometheus.Gatherer, provider SummaryProvider) *Server {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/attendance", func(w http.ResponseWriter, r *http.Request) {
		if provider == nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no session"})
			return
		}
		respondJSON(w, http.StatusOK, provider.Summary())
	})

	return &Server{
		addr:   addr,
		router: r,
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.WithField("addr", s.addr).Info("Starting observability HTTP server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Observability HTTP server error")
		}
	}()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down observability HTTP server")
	return s.server.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
