package api

import (
	"encoding/json"
	"net/http"

	"rezerv/internal/metrics"
)

// AvailabilityRequest is the request body for POST /api/availability.
type AvailabilityRequest struct {
	ResourceID string `json:"resource_id"`
	Start      string `json:"start"` // RFC3339
	End        string `json:"end"`   // RFC3339
}

// handleAvailability returns free-capacity segments for a resource over a
// range. The answer is advisory; a later request may still be rejected.
// POST /api/availability
func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("availability")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed; use POST")
		return
	}

	var req AvailabilityRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.ResourceID == "" {
		writeError(w, http.StatusBadRequest, "resource_id is required")
		return
	}

	rng, err := parseInterval(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slots, err := s.engine.QueryAvailability(r.Context(), req.ResourceID, rng)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resource_id": req.ResourceID,
		"slots":       slots,
	})
}

// handleAuditExport streams the transition history of a reservation as an
// xlsx workbook.
// GET /api/audit/export?reservation_id=...
func (s *HTTPServer) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("audit_export")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed; use GET")
		return
	}

	id := r.URL.Query().Get("reservation_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "reservation_id is required")
		return
	}

	data, err := s.audit.Export(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="audit_`+id+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
