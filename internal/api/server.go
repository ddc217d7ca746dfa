// Package api serves the daemon's status API and live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/daemon"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

// Daemon is the part of the daemon the API exposes
type Daemon interface {
	Status() daemon.Status
	Enqueue(storyID, reason string) bool
}

// Server is the REST API server
type Server struct {
	cfg     *config.Config
	repo    storage.Repository
	history storage.History
	daemon  Daemon
	hub     *EventHub
	log     zerolog.Logger

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer creates a new API server. history and d may be nil; their
// endpoints then answer 503.
func NewServer(cfg *config.Config, repo storage.Repository, history storage.History, d Daemon, log zerolog.Logger) *Server {
	log = log.With().Str("component", "api").Logger()
	return &Server{
		cfg:     cfg,
		repo:    repo,
		history: history,
		daemon:  d,
		hub:     NewEventHub(cfg.API.AllowedOrigins, log),
		log:     log,
	}
}

// Hub returns the event hub
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.API.Host, strconv.Itoa(s.cfg.API.Port))
}

// Start serves until Stop. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go s.hub.Run()

	s.log.Info().Str("addr", srv.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop disconnects websocket clients and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.hub.Stop()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.API.AllowedOrigins))

	// Health check (public, no auth required)
	r.Get("/health", s.healthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(apiKeyAuthMiddleware(s.cfg.API.Key))

		// The websocket outlives any request timeout.
		r.Get("/ws", s.hub.ServeWs)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/stories", s.listStoriesHandler)
			r.Get("/stories/{id}", s.getStoryHandler)

			r.Get("/queue", s.getQueueHandler)
			r.Post("/queue/{id}", s.enqueueHandler)

			r.Get("/history", s.listHistoryHandler)
			r.Get("/history/{id}", s.getHistoryHandler)
			r.Get("/stats", s.getStatsHandler)

			r.Get("/config", s.getConfigHandler)
		})
	})

	return r
}

// requestLogger logs each request through zerolog
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// corsMiddleware allows only the configured origins; patterns may end in "*"
// or start with "*." for subdomains.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	exactOrigins := make(map[string]bool)
	var patterns []string

	for _, origin := range allowedOrigins {
		if strings.Contains(origin, "*") {
			patterns = append(patterns, origin)
		} else {
			exactOrigins[origin] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := origin != "" && exactOrigins[origin]
			for _, pattern := range patterns {
				if allowed || origin == "" {
					break
				}
				allowed = matchOriginPattern(origin, pattern)
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// apiKeyAuthMiddleware requires the key as X-API-Key or a bearer token when
// one is configured
func apiKeyAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get("X-API-Key")
			if providedKey == "" {
				if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					providedKey = token
				}
			}

			if providedKey != apiKey {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchOriginPattern checks if an origin matches a pattern with wildcards
// e.g., "http://localhost:3000" matches "http://localhost:*"
func matchOriginPattern(origin, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(origin, prefix)
	}
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok && strings.HasPrefix(suffix, ".") {
		_, rest, found := strings.Cut(origin, "://")
		if !found {
			return false
		}
		host := strings.Split(rest, "/")[0]
		host = strings.Split(host, ":")[0]
		return strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".")
	}
	return false
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
