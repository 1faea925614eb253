// Package api provides the HTTP server for TuTu Flow: health, the
// execution log, the ingest endpoint feeding the pipeline, and Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/tutuflow/internal/app/pipeline"
	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/health"
	"github.com/tutu-network/tutuflow/internal/infra/llm"
)

// ExecutionStore is the read side of the execution log.
type ExecutionStore interface {
	ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]domain.ExecutionRecord, error)
	GetExecution(ctx context.Context, messageID string) (*domain.ExecutionRecord, error)
	CountExecutions(ctx context.Context) (map[string]int, error)
	ListDropped(ctx context.Context, limit int) ([]domain.DroppedMessage, error)
}

// HealthReporter exposes the latest health check round.
type HealthReporter interface {
	Statuses() []health.Status
	IsHealthy() bool
}

// Server is the TuTu Flow HTTP API server.
type Server struct {
	version        string
	store          ExecutionStore
	registry       *llm.Registry
	queue          *pipeline.Queue
	health         HealthReporter
	ingest         IngestConfig
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(version string) *Server {
	return &Server{version: version}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetStore mounts the execution log endpoints.
func (s *Server) SetStore(st ExecutionStore) { s.store = st }

// SetRegistry exposes the generation service registry in /api/status.
func (s *Server) SetRegistry(r *llm.Registry) { s.registry = r }

// SetHealth reports check results on /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// SetIngest mounts POST /api/ingest feeding q.
func (s *Server) SetIngest(q *pipeline.Queue, cfg IngestConfig) {
	s.queue = q
	s.ingest = cfg.withDefaults()
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": s.version,
		})
	})

	r.Get("/api/status", s.handleStatus)

	if s.store != nil {
		r.Route("/api/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Get("/{messageID}", s.handleGetExecution)
		})
		r.Get("/api/dropped", s.handleListDropped)
	}

	if s.queue != nil {
		r.Post("/api/ingest", s.handleIngest)
	}

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Health ─────────────────────────────────────────────────────────────────

type healthResponse struct {
	Status string          `json:"status"`
	Checks []health.Status `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if s.health != nil {
		resp.Checks = s.health.Statuses()
		if !s.health.IsHealthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// ─── Status ─────────────────────────────────────────────────────────────────

type statusResponse struct {
	Version       string         `json:"version"`
	Providers     []string       `json:"providers,omitempty"`
	CachedClients int            `json:"cached_clients"`
	Ingest        *ingestStatus  `json:"ingest,omitempty"`
	Executions    map[string]int `json:"executions,omitempty"`
}

type ingestStatus struct {
	Queued int  `json:"queued"`
	Closed bool `json:"closed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Version: s.version}
	if s.registry != nil {
		resp.Providers = s.registry.Providers()
		resp.CachedClients = s.registry.CachedClients()
	}
	if s.queue != nil {
		resp.Ingest = &ingestStatus{Queued: s.queue.Len(), Closed: s.queue.Closed()}
	}
	if s.store != nil {
		counts, err := s.store.CountExecutions(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Executions = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Execution Log ──────────────────────────────────────────────────────────

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	records, err := s.store.ListExecutions(r.Context(), domain.ExecutionFilter{
		TaskType: q.Get("task_type"),
		Status:   q.Get("status"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   records,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDropped(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	dropped, err := s.store.ListDropped(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if dropped == nil {
		dropped = []domain.DroppedMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   dropped,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
