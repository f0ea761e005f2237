package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cadenza-audio/cadenza/internal/backend"
	"github.com/cadenza-audio/cadenza/internal/pipeline"
	"github.com/cadenza-audio/cadenza/internal/telemetry"
)

// Server is the HTTP surface over the core: submit/query/cancel jobs, fetch
// artifacts, evict sessions, health and metrics.
type Server struct {
	core      *Service
	mux       *http.ServeMux
	server    *http.Server
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	startTime time.Time
	apiKey    string
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the HTTP server over the core service.
func NewServer(core *Service, metrics *telemetry.Metrics, opts ...ServerOption) *Server {
	s := &Server{
		core:      core,
		metrics:   metrics,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("POST /v1/generate/batch", s.handleGenerateBatch)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /v1/sessions/{tenant}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{tenant}", s.handleEvictSession)
	mux.HandleFunc("GET /v1/sessions/{tenant}/artifacts/{id}", s.handleGetArtifact)
	mux.HandleFunc("DELETE /v1/sessions/{tenant}/artifacts/{id}", s.handleRemoveArtifact)

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.authMiddleware(s.mux),
	}
	s.logger.Info("server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health and metrics don't require auth
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = auth[7:]
			}
		}

		if key != s.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Snapshot())
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantKey       string `json:"tenant_key"`
		Prompt          string `json:"prompt"`
		DurationSeconds int    `json:"duration_seconds"`
		Filename        string `json:"filename,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.TenantKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_key is required")
		return
	}

	ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
	jobID, err := s.core.Submit(ctx, pipeline.Request{
		TenantKey:       req.TenantKey,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		Filename:        req.Filename,
	})
	if err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			w.Header().Set("Retry-After", formatSeconds(denied.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":               "admission_denied",
				"message":             denied.Reason,
				"retry_after_seconds": int(denied.RetryAfter.Seconds()) + 1,
			})
			return
		}
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []struct {
			Prompt          string `json:"prompt"`
			DurationSeconds int    `json:"duration_seconds"`
		} `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	reqs := make([]backend.Request, len(req.Requests))
	for i, item := range req.Requests {
		reqs[i] = backend.Request{Prompt: item.Prompt, DurationSeconds: item.DurationSeconds}
	}

	results := s.core.ProcessBatch(r.Context(), reqs)
	out := make([]map[string]interface{}, len(results))
	for i, res := range results {
		item := map[string]interface{}{}
		if res.Err != nil {
			item["error"] = res.Err.Error()
		} else {
			item["size_bytes"] = len(res.Audio.Data)
			item["content_type"] = res.Audio.ContentType
		}
		out[i] = item
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.core.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled := s.core.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":    id,
		"cancelled": cancelled,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	info, ok := s.core.Session(tenant)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":   info,
		"artifacts": s.core.Artifacts(tenant),
	})
}

func (s *Server) handleEvictSession(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_key": tenant,
		"evicted":    s.core.EvictSession(r.Context(), tenant),
	})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	id := r.PathValue("id")
	data, rec, err := s.core.ArtifactData(r.Context(), tenant, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "Artifact not found")
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleRemoveArtifact(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifact_id": id,
		"removed":     s.core.RemoveArtifact(r.Context(), tenant, id),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
