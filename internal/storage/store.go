// Package storage defines the persistence interface the ledger consumes.
// Implementations must provide linearizable reads and compare-and-set
// updates per resource; across resources no ordering is required.
package storage

import (
	"context"
	"time"

	"rezerv/internal/models"
)

// Store persists reservations and their transition history.
type Store interface {
	// Insert stores a new reservation together with its creation
	// transition. Fails if the id already exists.
	Insert(ctx context.Context, r *models.Reservation, rec models.Transition) error

	// Update applies a mutation guarded by expectedVersion and appends the
	// transition record atomically. Returns models.ErrConflict when the
	// stored version differs from expectedVersion.
	Update(ctx context.Context, r *models.Reservation, expectedVersion int64, rec models.Transition) error

	// Get returns the current reservation or models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Reservation, error)

	// History returns all transitions for a reservation in append order.
	History(ctx context.Context, id string) ([]models.Transition, error)

	// ActiveByResource returns reservations in Held or Confirmed state for
	// the resource.
	ActiveByResource(ctx context.Context, resourceID string) ([]models.Reservation, error)

	// ExpiredHeld returns held reservations whose hold deadline is at or
	// before cutoff.
	ExpiredHeld(ctx context.Context, cutoff time.Time) ([]models.Reservation, error)

	Close() error
}
