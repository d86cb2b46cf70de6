package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subengine/internal/models"
	"subengine/internal/streams"
)

// handleIndex returns basic engine information
// GET / - Returns service info and available endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	info := map[string]interface{}{
		"service":     "Subscription Engine",
		"version":     "1.0.0",
		"description": "Recurring payment engine with transaction-graph obfuscation",
		"endpoints": map[string]string{
			"GET /":                     "This page - Service information",
			"GET /health":               "Health check endpoint",
			"GET /metrics":              "Prometheus metrics for monitoring",
			"GET /streams":              "List streams (supports ?status=, ?limit=, ?offset=)",
			"POST /streams":             "Create a new recurring payment stream",
			"GET /streams/{id}":         "Get stream details with payment history",
			"DELETE /streams/{id}":      "Delete a stream permanently (tombstoned)",
			"POST /streams/{id}/pause":  "Pause an active stream",
			"POST /streams/{id}/resume": "Resume a paused stream",
			"POST /streams/{id}/cancel": "Cancel a stream permanently",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleHealth returns health status
// GET /health - Health check for monitoring systems
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "healthy"
	code := http.StatusOK
	if err := s.repository.Ping(ctx); err != nil {
		slog.Error("Health check storage ping failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"service":   "subscription-engine",
	}
	if s.monitor != nil {
		health["monitor"] = s.monitor.State().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

// handleMetrics returns Prometheus metrics
// GET /metrics - Prometheus scraping endpoint
func (s *Server) handleMetrics() http.Handler {
	return promhttp.Handler()
}

// =============================================================================
// STREAM ENDPOINTS
// =============================================================================

// handleListStreams lists streams with optional filtering
// GET /streams?status=active&limit=50&offset=0
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Pagination
	limit := 50 // default
	if limitStr := query.Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	offset := 0
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	statusFilter := models.StreamStatus(query.Get("status"))

	all := s.store.List()
	filtered := make([]*models.Stream, 0, len(all))
	for _, stream := range all {
		if statusFilter != "" && stream.Status != statusFilter {
			continue
		}
		filtered = append(filtered, stream)
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	response := map[string]interface{}{
		"streams": filtered[offset:end],
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// createStreamRequest is the JSON body for stream creation
type createStreamRequest struct {
	Name              string     `json:"name"`
	Recipient         string     `json:"recipient"`
	TotalAmount       float64    `json:"total_amount"`
	Frequency         string     `json:"frequency"`
	CustomDays        int        `json:"custom_days,omitempty"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	AmountNoise       float64    `json:"amount_noise,omitempty"`
	TimingNoise       float64    `json:"timing_noise,omitempty"`
	UseStealthAddress bool       `json:"use_stealth_address,omitempty"`
	TokenID           string     `json:"token_id,omitempty"`
	Origin            string     `json:"origin,omitempty"`
}

// handleCreateStream creates a new recurring payment stream
// POST /streams
func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	params := streams.CreateParams{
		Name:              req.Name,
		Recipient:         req.Recipient,
		TotalAmount:       req.TotalAmount,
		Frequency:         models.Frequency(req.Frequency),
		CustomDays:        req.CustomDays,
		EndDate:           req.EndDate,
		AmountNoise:       req.AmountNoise,
		TimingNoise:       req.TimingNoise,
		UseStealthAddress: req.UseStealthAddress,
		TokenID:           req.TokenID,
		Origin:            req.Origin,
	}
	if req.StartDate != nil {
		params.StartDate = *req.StartDate
	}

	stream, err := s.scheduler.CreateStream(r.Context(), params)
	if err != nil {
		slog.Error("Failed to create stream", "error", err)
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(stream)
}

// handleGetStream returns one stream with its payment history
// GET /streams/{id}
func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request, id string) {
	stream, err := s.store.Get(id)
	if err != nil {
		s.sendError(w, "Stream not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stream)
}

// handlePauseStream pauses an active stream
// POST /streams/{id}/pause
func (s *Server) handlePauseStream(w http.ResponseWriter, r *http.Request, id string) {
	s.mutateStream(w, r, id, s.scheduler.Pause)
}

// handleResumeStream resumes a paused stream
// POST /streams/{id}/resume
func (s *Server) handleResumeStream(w http.ResponseWriter, r *http.Request, id string) {
	s.mutateStream(w, r, id, s.scheduler.Resume)
}

// handleCancelStream cancels a stream permanently
// POST /streams/{id}/cancel
func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request, id string) {
	s.mutateStream(w, r, id, s.scheduler.Cancel)
}

// handleDeleteStream tombstones a stream so it can never be resurrected
// DELETE /streams/{id}
func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.scheduler.Delete(r.Context(), id); err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			s.sendError(w, "Stream not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to delete stream", "stream_id", id, "error", err)
		s.sendError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"deleted": id})
}

func (s *Server) mutateStream(w http.ResponseWriter, r *http.Request, id string, fn func(ctx context.Context, id string) error) {
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			s.sendError(w, "Stream not found", http.StatusNotFound)
			return
		}
		slog.Error("Stream mutation failed", "stream_id", id, "error", err)
		s.sendError(w, err.Error(), http.StatusConflict)
		return
	}

	stream, err := s.store.Get(id)
	if err != nil {
		s.sendError(w, "Stream not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stream)
}

// sendError sends a JSON error response
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	})
}
