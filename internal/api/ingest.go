package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/tutu-network/tutuflow/internal/app/pipeline"
	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/infra/metrics"
)

// ─── Ingest (/api/ingest) ───────────────────────────────────────────────────
// Accepts a JSON array of records, or JSON lines when the content type is
// application/x-ndjson (or ?format=jsonl), and queues it for the pipeline.

// IngestConfig tunes the ingest endpoint.
type IngestConfig struct {
	AcceptStatus int   // status on success, default 201
	MaxPayload   int64 // body limit in bytes, default 10 MiB
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.AcceptStatus == 0 {
		c.AcceptStatus = http.StatusCreated
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 10 << 20
	}
	return c
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.ingest.MaxPayload))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			metrics.IngestRejected.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	df, err := pipeline.ParseRecords(body, isJSONLines(r))
	if err != nil {
		metrics.IngestRejected.WithLabelValues("parse").Inc()
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	if err := s.queue.Put(r.Context(), df); err != nil {
		switch {
		case errors.Is(err, domain.ErrQueueFull):
			metrics.IngestRejected.WithLabelValues("queue_full").Inc()
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, domain.ErrQueueClosed):
			metrics.IngestRejected.WithLabelValues("closed").Inc()
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}

	metrics.IngestRecords.Add(float64(df.NumRows()))
	writeJSON(w, s.ingest.AcceptStatus, map[string]int{"accepted": df.NumRows()})
}

func isJSONLines(r *http.Request) bool {
	if f := r.URL.Query().Get("format"); f != "" {
		return f == "jsonl" || f == "ndjson"
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return strings.HasSuffix(mt, "ndjson") || strings.HasSuffix(mt, "jsonl") || strings.HasSuffix(mt, "jsonlines")
}
