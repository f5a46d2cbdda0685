package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"rezerv/internal/allocator"
	"rezerv/internal/metrics"
	"rezerv/internal/models"
)

// CreateReservationRequest is the request body for POST /api/reservations.
type CreateReservationRequest struct {
	ResourceID string `json:"resource_id"`
	Start      string `json:"start"` // RFC3339
	End        string `json:"end"`   // RFC3339
	PartySize  int    `json:"party_size"`
	Mode       string `json:"mode,omitempty"` // "hold_then_confirm" (default) or "direct_confirm"
	Owner      string `json:"owner,omitempty"`
}

// VersionedRequest carries the optimistic version guard for confirm and
// cancel calls.
type VersionedRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

// handleCreateReservation runs the intake path.
// POST /api/reservations
func (s *HTTPServer) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("create_reservation")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed; use POST")
		return
	}

	var req CreateReservationRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	interval, err := parseInterval(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := models.ModeHoldThenConfirm
	switch req.Mode {
	case "", string(models.ModeHoldThenConfirm):
	case string(models.ModeDirectConfirm):
		mode = models.ModeDirectConfirm
	default:
		writeError(w, http.StatusBadRequest, "invalid mode; expected hold_then_confirm or direct_confirm")
		return
	}

	res, err := s.engine.RequestReservation(r.Context(), allocator.Request{
		ResourceID: req.ResourceID,
		Interval:   interval,
		PartySize:  req.PartySize,
		Mode:       mode,
		Owner:      req.Owner,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.log.Info().
		Str("reservation_id", res.ID).
		Str("resource_id", res.ResourceID).
		Str("state", string(res.State)).
		Msg("reservation created")

	writeJSON(w, http.StatusCreated, res)
}

// handleReservationByID dispatches /api/reservations/{id} and its
// confirm, cancel and history subpaths.
func (s *HTTPServer) handleReservationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/reservations/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "reservation id is required")
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	switch action {
	case "":
		s.handleGetReservation(w, r, id)
	case "confirm":
		s.handleConfirm(w, r, id)
	case "cancel":
		s.handleCancel(w, r, id)
	case "history":
		s.handleHistory(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

// GET /api/reservations/{id}
func (s *HTTPServer) handleGetReservation(w http.ResponseWriter, r *http.Request, id string) {
	metrics.IncHTTP("get_reservation")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed; use GET")
		return
	}

	res, err := s.engine.GetReservation(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/reservations/{id}/confirm
func (s *HTTPServer) handleConfirm(w http.ResponseWriter, r *http.Request, id string) {
	metrics.IncHTTP("confirm_reservation")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed; use POST")
		return
	}

	var req VersionedRequest
	if err := decodeVersioned(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.ConfirmHold(r.Context(), id, req.ExpectedVersion)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.log.Info().
		Str("reservation_id", res.ID).
		Int64("version", res.Version).
		Msg("hold confirmed")

	writeJSON(w, http.StatusOK, res)
}

// POST /api/reservations/{id}/cancel
func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	metrics.IncHTTP("cancel_reservation")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed; use POST")
		return
	}

	var req VersionedRequest
	if err := decodeVersioned(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.Cancel(r.Context(), id, req.ExpectedVersion)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.log.Info().
		Str("reservation_id", res.ID).
		Int64("version", res.Version).
		Msg("reservation cancelled")

	writeJSON(w, http.StatusOK, res)
}

// GET /api/reservations/{id}/history
func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	metrics.IncHTTP("reservation_history")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed; use GET")
		return
	}

	history, err := s.engine.History(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": history})
}

func decodeVersioned(r *http.Request, req *VersionedRequest) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		return errInvalidBody
	}
	if req.ExpectedVersion <= 0 {
		return errMissingVersion
	}
	return nil
}

var (
	errInvalidBody    = jsonError("invalid JSON body")
	errMissingVersion = jsonError("expected_version is required and must be positive")
)

type jsonError string

func (e jsonError) Error() string { return string(e) }

func parseInterval(start, end string) (models.TimeInterval, error) {
	if start == "" || end == "" {
		return models.TimeInterval{}, jsonError("start and end are required")
	}
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return models.TimeInterval{}, jsonError("invalid start; expected RFC3339 timestamp")
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return models.TimeInterval{}, jsonError("invalid end; expected RFC3339 timestamp")
	}
	return models.TimeInterval{Start: from, End: to}, nil
}
