package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInterval marks malformed input; the caller must fix the
	// request, retrying is pointless.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrOutOfHours is a terminal rejection: the requested interval lies
	// outside every availability window of the resource.
	ErrOutOfHours = errors.New("outside availability windows")

	// ErrCapacityExceeded is a terminal rejection: accepting the request
	// would push concurrent occupancy above resource capacity.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrConflict signals an optimistic-version race. The caller should
	// refresh the reservation and may retry.
	ErrConflict = errors.New("version conflict")

	// ErrBusy signals a critical-section acquisition timeout. The caller
	// may retry with backoff.
	ErrBusy = errors.New("resource busy")

	// ErrExpired signals a hold past its deadline.
	ErrExpired = errors.New("hold expired")

	// ErrNotFound signals an unknown reservation or resource id.
	ErrNotFound = errors.New("not found")

	// ErrStorageFailure wraps durability-layer failures. The operation is
	// treated as never started; no partial state survives.
	ErrStorageFailure = errors.New("storage failure")
)

// Rejection carries enough detail about a terminal rejection for the caller
// to offer an alternative.
type Rejection struct {
	Reason      error        // ErrOutOfHours or ErrCapacityExceeded
	ResourceID  string       `json:"resource_id"`
	Requested   TimeInterval `json:"requested"`
	Conflicting TimeInterval `json:"conflicting,omitempty"` // zero for OutOfHours
}

func (r *Rejection) Error() string {
	if r.Conflicting.Start.IsZero() {
		return fmt.Sprintf("reservation rejected on %s: %v (requested %s)", r.ResourceID, r.Reason, r.Requested)
	}
	return fmt.Sprintf("reservation rejected on %s: %v (requested %s, conflicts with %s)", r.ResourceID, r.Reason, r.Requested, r.Conflicting)
}

func (r *Rejection) Unwrap() error { return r.Reason }
