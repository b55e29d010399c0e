// Package api is the HTTP boundary: message intake, registry and settings
// views, queue status, event history and live event streams.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/tinyloom/internal/chats"
	"github.com/jordanhubbard/tinyloom/internal/conversation"
	"github.com/jordanhubbard/tinyloom/internal/eventbus"
	"github.com/jordanhubbard/tinyloom/internal/files"
	"github.com/jordanhubbard/tinyloom/internal/logging"
	"github.com/jordanhubbard/tinyloom/internal/metrics"
	"github.com/jordanhubbard/tinyloom/internal/queue"
	"github.com/jordanhubbard/tinyloom/internal/worker"
	"github.com/jordanhubbard/tinyloom/pkg/config"
	"github.com/jordanhubbard/tinyloom/pkg/models"
)

// SettingsStore is the settings document behind /api/settings.
type SettingsStore interface {
	Registry() *models.Registry
	Raw() (json.RawMessage, error)
	Merge(patch []byte) (json.RawMessage, error)
}

// Deps are the components the handlers read from. Logs, Chats, Files and
// Pool may be nil.
type Deps struct {
	Queue         *queue.Queue
	Settings      SettingsStore
	Conversations *conversation.Table
	Events        *eventbus.EventBus
	Logs          *logging.Manager
	Chats         *chats.Store
	Files         *files.Manager
	Pool          *worker.Pool
}

// Server represents the HTTP API server
type Server struct {
	config  config.ServerConfig
	deps    Deps
	metrics *metrics.Metrics
	started time.Time
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		config:  cfg,
		deps:    deps,
		metrics: metrics.NewMetrics(),
		started: time.Now(),
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Intake
	mux.HandleFunc("/api/message", s.handleMessage)

	// Registry and settings
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/teams", s.handleTeams)
	mux.HandleFunc("/api/settings", s.handleSettings)

	// Queue
	mux.HandleFunc("/api/queue/status", s.handleQueueStatus)
	mux.HandleFunc("/api/responses", s.handleResponses)

	// Events
	mux.HandleFunc("/api/events", s.handleGetEvents)
	mux.HandleFunc("/api/events/stream", s.handleEventStream)
	mux.HandleFunc("/api/events/ws", s.handleEventSocket)

	// History
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/chats", s.handleChats)
	mux.HandleFunc("/api/files/", s.handleFile)

	// Health and metrics
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, http.StatusNotFound, ErrNotFound.Error())
	})

	// Apply middleware
	handler := s.loggingMiddleware(mux)
	handler = s.corsMiddleware(handler)

	return handler
}

// ListenAndServe serves on the configured port until ctx is cancelled, then
// shuts down gracefully. wrap, if non-nil, decorates the route handler (e.g.
// with tracing).
func (s *Server) ListenAndServe(ctx context.Context, wrap func(http.Handler) http.Handler) error {
	handler := s.SetupRoutes()
	if wrap != nil {
		handler = wrap(handler)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] API server listening on http://localhost:%d", s.config.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// loggingMiddleware records request metrics. Streams are counted when they
// end.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// routeLabel bounds metric cardinality: file names are collapsed.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/files/") {
		return "/api/files/"
	}
	return path
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.AllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed mirrors corsMiddleware for the websocket handshake.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt reads a positive integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}
