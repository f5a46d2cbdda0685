// Package ledger is the authoritative record of reservation state. Every
// mutation is a compare-and-set against the stored version; a transition
// is committed only once the store confirms persistence, and only then is
// the outbox notified.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rezerv/internal/models"
	"rezerv/internal/outbox"
	"rezerv/internal/storage"

	"github.com/rs/zerolog"
)

type Ledger struct {
	store     storage.Store
	publisher outbox.Publisher
	logger    *zerolog.Logger
	now       func() time.Time
}

type Option func(*Ledger)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store storage.Store, publisher outbox.Publisher, logger *zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create records a new reservation in Pending state at version 1.
func (l *Ledger) Create(ctx context.Context, r *models.Reservation) error {
	if r.State != models.StatePending {
		return fmt.Errorf("new reservation %s must start pending, got %s", r.ID, r.State)
	}
	now := l.now()
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now

	rec := models.Transition{
		ReservationID: r.ID,
		ResourceID:    r.ResourceID,
		From:          "",
		To:            models.StatePending,
		Version:       1,
		At:            now,
	}
	if err := l.store.Insert(ctx, r, rec); err != nil {
		return l.storageErr("create", r.ID, err)
	}
	l.emit(ctx, rec)
	return nil
}

// AppendOption adjusts fields that change together with a transition.
type AppendOption func(*models.Reservation)

// WithHoldDeadline sets the hold expiry, used on transitions into Held.
func WithHoldDeadline(deadline time.Time) AppendOption {
	return func(r *models.Reservation) { r.HoldUntil = deadline }
}

// Append applies the transition from -> to guarded by expectedVersion and
// returns the updated reservation. Returns models.ErrConflict when the
// stored state or version no longer matches.
func (l *Ledger) Append(ctx context.Context, id string, from, to models.ReservationState, expectedVersion int64, opts ...AppendOption) (*models.Reservation, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s for reservation %s", from, to, id)
	}

	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, l.storageErr("append", id, err)
	}
	if current.Version != expectedVersion || current.State != from {
		return nil, fmt.Errorf("%w: reservation %s is %s at version %d, expected %s at %d",
			models.ErrConflict, id, current.State, current.Version, from, expectedVersion)
	}

	now := l.now()
	updated := *current
	updated.State = to
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = now
	if to != models.StateHeld {
		updated.HoldUntil = time.Time{}
	}
	for _, opt := range opts {
		opt(&updated)
	}

	rec := models.Transition{
		ReservationID: id,
		ResourceID:    current.ResourceID,
		From:          from,
		To:            to,
		Version:       updated.Version,
		At:            now,
	}
	if err := l.store.Update(ctx, &updated, expectedVersion, rec); err != nil {
		return nil, l.storageErr("append", id, err)
	}

	l.logger.Debug().
		Str("reservation_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Int64("version", updated.Version).
		Msg("transition committed")

	l.emit(ctx, rec)
	return &updated, nil
}

// GetCurrent returns the reservation's current state.
func (l *Ledger) GetCurrent(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, l.storageErr("get", id, err)
	}
	return r, nil
}

// History returns the reservation's transitions in append order.
func (l *Ledger) History(ctx context.Context, id string) ([]models.Transition, error) {
	recs, err := l.store.History(ctx, id)
	if err != nil {
		return nil, l.storageErr("history", id, err)
	}
	return recs, nil
}

// ActiveByResource lists held and confirmed reservations for a resource,
// used to warm the slot index.
func (l *Ledger) ActiveByResource(ctx context.Context, resourceID string) ([]models.Reservation, error) {
	out, err := l.store.ActiveByResource(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: list active for %s: %v", models.ErrStorageFailure, resourceID, err)
	}
	return out, nil
}

// ExpiredHeld lists held reservations past their deadline.
func (l *Ledger) ExpiredHeld(ctx context.Context, cutoff time.Time) ([]models.Reservation, error) {
	out, err := l.store.ExpiredHeld(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: list expired holds: %v", models.ErrStorageFailure, err)
	}
	return out, nil
}

// emit is fire-and-forget: adapter failures never roll back a committed
// transition.
func (l *Ledger) emit(ctx context.Context, rec models.Transition) {
	if l.publisher == nil {
		return
	}
	event := outbox.Event{
		ReservationID: rec.ReservationID,
		ResourceID:    rec.ResourceID,
		From:          rec.From,
		To:            rec.To,
		Version:       rec.Version,
		At:            rec.At,
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Warn().Err(err).Str("reservation_id", rec.ReservationID).Msg("outbox emit failed")
	}
}

func (l *Ledger) storageErr(op, id string, err error) error {
	if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
		return err
	}
	l.logger.Error().Err(err).Str("reservation_id", id).Str("op", op).Msg("storage failure")
	return fmt.Errorf("%w: %s %s: %v", models.ErrStorageFailure, op, id, err)
}
