package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"subengine/internal/monitor"
	"subengine/internal/storage"
	"subengine/internal/streams"
)

// Server represents the HTTP API server
// Provides endpoints for Prometheus metrics, health checks, and stream control
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      *streams.Store
	scheduler  *streams.Scheduler
	monitor    *monitor.Monitor
	repository storage.Repository
	port       int
}

// NewServer creates a new API server instance. The monitor may be nil when
// the live feed is disabled.
func NewServer(port int, store *streams.Store, scheduler *streams.Scheduler, mon *monitor.Monitor, repository storage.Repository) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		mux:        mux,
		store:      store,
		scheduler:  scheduler,
		monitor:    mon,
		repository: repository,
		port:       port,
	}

	// Register all HTTP routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all HTTP routes
func (s *Server) registerRoutes() {
	// Core endpoints
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", s.handleMetrics())

	// Stream endpoints
	s.mux.HandleFunc("/streams", s.handleStreams)
	s.mux.HandleFunc("/streams/", s.handleStreamRoutes)
}

// handleStreams routes the collection endpoint (without trailing slash)
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListStreams(w, r)
	case http.MethodPost:
		s.handleCreateStream(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStreamRoutes routes stream sub-endpoints (with trailing slash)
func (s *Server) handleStreamRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/streams/")
	parts := strings.Split(path, "/")

	// GET /streams/{id} and DELETE /streams/{id}
	if len(parts) == 1 && parts[0] != "" {
		switch r.Method {
		case http.MethodGet:
			s.handleGetStream(w, r, parts[0])
		case http.MethodDelete:
			s.handleDeleteStream(w, r, parts[0])
		default:
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	// POST /streams/{id}/pause|resume|cancel
	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "pause":
			s.handlePauseStream(w, r, parts[0])
		case "resume":
			s.handleResumeStream(w, r, parts[0])
		case "cancel":
			s.handleCancelStream(w, r, parts[0])
		default:
			s.sendError(w, "Endpoint not found", http.StatusNotFound)
		}
		return
	}

	s.sendError(w, "Endpoint not found", http.StatusNotFound)
}

// Start starts the HTTP server in a goroutine
// Returns immediately after starting the server
func (s *Server) Start() error {
	go func() {
		slog.Info("API server starting",
			"port", s.port,
			"endpoints", []string{"/", "/health", "/metrics", "/streams"},
		)

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server error", "error", err)
		}
	}()

	// Give the server a moment to start
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Shutdown gracefully shuts down the HTTP server
// Waits for active connections to close or context to timeout
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("API server shutting down...")
	return s.httpServer.Shutdown(ctx)
}
