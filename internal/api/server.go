// Package api exposes the allocation engine over HTTP with a JSON body
// contract and per-client error mapping.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"rezerv/internal/allocator"
	"rezerv/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Engine is the allocation surface the server fronts.
type Engine interface {
	RequestReservation(ctx context.Context, req allocator.Request) (*models.Reservation, error)
	ConfirmHold(ctx context.Context, id string, expectedVersion int64) (*models.Reservation, error)
	Cancel(ctx context.Context, id string, expectedVersion int64) (*models.Reservation, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	History(ctx context.Context, id string) ([]models.Transition, error)
	QueryAvailability(ctx context.Context, resourceID string, rng models.TimeInterval) ([]allocator.AvailabilitySlot, error)
}

// AuditExporter renders a reservation's transition history as an xlsx file.
type AuditExporter interface {
	Export(ctx context.Context, reservationID string) ([]byte, error)
}

// HTTPServer serves the reservation API.
type HTTPServer struct {
	engine  Engine
	audit   AuditExporter
	log     *zerolog.Logger
	limiter *rate.Limiter
	srv     *http.Server
}

func NewHTTPServer(addr string, engine Engine, audit AuditExporter, logger *zerolog.Logger, perSecond float64, burst int) *HTTPServer {
	s := &HTTPServer{
		engine:  engine,
		audit:   audit,
		log:     logger,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/reservations", s.limited(s.handleCreateReservation))
	mux.HandleFunc("/api/reservations/", s.limited(s.handleReservationByID))
	mux.HandleFunc("/api/availability", s.limited(s.handleAvailability))
	mux.HandleFunc("/api/audit/export", s.limited(s.handleAuditExport))

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server starting")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed mux, for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *HTTPServer) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeEngineError maps engine sentinels onto HTTP statuses. Terminal
// rejections carry the conflicting interval so the client can offer an
// alternative slot.
func writeEngineError(w http.ResponseWriter, err error) {
	var rej *models.Rejection
	if errors.As(err, &rej) {
		body := map[string]any{
			"error":       rej.Reason.Error(),
			"resource_id": rej.ResourceID,
			"requested":   rej.Requested,
		}
		if !rej.Conflicting.Start.IsZero() {
			body["conflicting"] = rej.Conflicting
		}
		writeJSON(w, http.StatusUnprocessableEntity, body)
		return
	}

	switch {
	case errors.Is(err, models.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, models.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
