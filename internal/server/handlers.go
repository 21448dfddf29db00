package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/docwatch/agent/internal/ledger"
)

// maxDeliveries caps the limit query parameter.
const maxDeliveries = 1000

// pendingItem is the JSON view of one pending message.
type pendingItem struct {
	DocumentID string    `json:"document_id"`
	Index      string    `json:"index"`
	Kind       string    `json:"kind"`
	Path       string    `json:"path"`
	ObservedAt time.Time `json:"observed_at"`
}

type pendingResponse struct {
	Count   int           `json:"count"`
	Pending []pendingItem `json:"pending"`
}

type deliveriesResponse struct {
	Count      int            `json:"count"`
	Deliveries []ledger.Entry `json:"deliveries"`
}

// handleHealthz responds to GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var body any = map[string]string{"status": "ok"}
	if s.health != nil {
		body = s.health()
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handlePending responds to GET /api/v1/pending.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	msgs := s.pending.Snapshot()
	items := make([]pendingItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, pendingItem{
			DocumentID: m.DocumentID,
			Index:      m.Index,
			Kind:       m.Event.Kind.String(),
			Path:       m.Event.Path,
			ObservedAt: m.Event.ObservedAt.UTC(),
		})
	}
	s.writeJSON(w, http.StatusOK, pendingResponse{Count: len(items), Pending: items})
}

// handleDeliveries responds to GET /api/v1/deliveries.
//
// Supported query parameters:
//
//	limit – maximum number of entries (default 100, max 1000)
//
// Returns HTTP 404 when no ledger is configured.
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "delivery ledger is not configured")
		return
	}

	limit := ledger.DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, maxDeliveries)
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("server: query deliveries", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query deliveries")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	s.writeJSON(w, http.StatusOK, deliveriesResponse{Count: len(entries), Deliveries: entries})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("server: encode response", slog.Any("error", err))
	}
}

// writeError writes an HTTP error response with a JSON body.
func writeError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", detail)
}
