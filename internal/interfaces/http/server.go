// Package http is the operator API: crawl triggers, task control,
// search/compare/recommend views, watch list, alerts, health and
// metrics. Local-only by default.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"pharmwatch/internal/acquire"
	"pharmwatch/internal/analytics"
	"pharmwatch/internal/metrics"
	"pharmwatch/internal/ratelimit"
	"pharmwatch/internal/sched"
	"pharmwatch/internal/store"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the local-only defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // synchronous crawls are slow
		IdleTimeout:  60 * time.Second,
	}
}

// Deps are the services the handlers call into.
type Deps struct {
	Pipeline  *acquire.Pipeline
	Store     *store.Store
	Analytics *analytics.Service
	Scheduler *sched.Scheduler
	Metrics   *metrics.Set
	Limiter   *ratelimit.Limiter
}

// Server is the operator HTTP server.
type Server struct {
	router *mux.Router
	server *http.Server
	deps   Deps
	config ServerConfig
}

// NewServer builds the server and verifies the port is free.
func NewServer(config ServerConfig, deps Deps) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.accessLogMiddleware)

	// Websocket route stays outside the JSON subrouter so the upgrade
	// handshake is not given a content type.
	s.router.HandleFunc("/ws/tasks/{id:[0-9]+}", s.handleTaskSocket).Methods("GET")

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	api.HandleFunc("/crawl/quick", s.handleCrawlQuick).Methods("POST")
	api.HandleFunc("/crawl/full", s.handleCrawlFull).Methods("POST")
	api.HandleFunc("/crawl/smart", s.handleCrawlSmart).Methods("POST")
	api.HandleFunc("/crawl/batch", s.handleCrawlBatch).Methods("POST")

	api.HandleFunc("/tasks", s.handleTaskList).Methods("GET")
	api.HandleFunc("/tasks/{id:[0-9]+}", s.handleTaskGet).Methods("GET")
	api.HandleFunc("/tasks/{id:[0-9]+}", s.handleTaskCancel).Methods("DELETE")
	api.HandleFunc("/tasks/{id:[0-9]+}/pause", s.handleTaskPause).Methods("POST")
	api.HandleFunc("/tasks/{id:[0-9]+}/resume", s.handleTaskResume).Methods("POST")

	api.HandleFunc("/search", s.handleSearch).Methods("GET")
	api.HandleFunc("/drugs/{id:[0-9]+}/prices", s.handlePrices).Methods("GET")
	api.HandleFunc("/drugs/{id:[0-9]+}/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/compare", s.handleCompare).Methods("GET")
	api.HandleFunc("/recommend", s.handleRecommend).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	api.HandleFunc("/watchlist", s.handleWatchList).Methods("GET")
	api.HandleFunc("/watchlist", s.handleWatchAdd).Methods("POST")
	api.HandleFunc("/watchlist/{id:[0-9]+}", s.handleWatchRemove).Methods("DELETE")
	api.HandleFunc("/watchlist/{id:[0-9]+}", s.handleWatchToggle).Methods("PATCH")

	api.HandleFunc("/monitor/rules", s.handleRuleAdd).Methods("POST")
	api.HandleFunc("/monitor/rules/{id:[0-9]+}", s.handleRuleDelete).Methods("DELETE")
	api.HandleFunc("/monitor/alerts", s.handleAlerts).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no such route"})
	})
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")

		if s.deps.Metrics != nil {
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			s.deps.Metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", wrapper.statusCode/100)).Inc()
			s.deps.Metrics.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("operator api listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("operator api shutting down")
	return s.server.Shutdown(ctx)
}

// Address returns host:port.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Router exposes the mux for handler tests.
func (s *Server) Router() *mux.Router { return s.router }

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
