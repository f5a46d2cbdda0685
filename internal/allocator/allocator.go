// Package allocator orchestrates reservation intake: availability
// validation, the per-resource critical section, the occupancy decision
// and the ledger commit. It is the only place where capacity is decided,
// and it only ever decides from an in-lock ledger read, so instances
// sharing a store and a distributed locker reach the same answer. The
// slot index is a process-local cache feeding advisory availability
// views.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"rezerv/internal/catalog"
	"rezerv/internal/ledger"
	"rezerv/internal/locker"
	"rezerv/internal/metrics"
	"rezerv/internal/models"
	"rezerv/internal/slotindex"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HoldTTL resolves the hold duration for a resource type.
type HoldTTL func(resourceType string) time.Duration

// Request is a reservation intake request.
type Request struct {
	ResourceID string
	Interval   models.TimeInterval
	PartySize  int
	Mode       models.RequestMode
	Owner      string
}

// AvailabilitySlot is a display-only view of free capacity over a span.
type AvailabilitySlot struct {
	Interval models.TimeInterval `json:"interval"`
	Free     int                 `json:"free"`
}

type Allocator struct {
	catalog *catalog.Catalog
	index   *slotindex.Index
	ledger  *ledger.Ledger
	locks   locker.Locker
	holdTTL HoldTTL
	logger  *zerolog.Logger
	now     func() time.Time
}

type Option func(*Allocator)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func New(cat *catalog.Catalog, index *slotindex.Index, led *ledger.Ledger, locks locker.Locker, holdTTL HoldTTL, logger *zerolog.Logger, opts ...Option) *Allocator {
	a := &Allocator{
		catalog: cat,
		index:   index,
		ledger:  led,
		locks:   locks,
		holdTTL: holdTTL,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestReservation runs the full intake path. Terminal rejections
// (OutOfHours, CapacityExceeded) are recorded in the ledger and returned
// as *models.Rejection; Busy and InvalidInterval leave no record.
func (a *Allocator) RequestReservation(ctx context.Context, req Request) (*models.Reservation, error) {
	if err := req.Interval.Validate(); err != nil {
		return nil, err
	}
	if req.PartySize < 1 {
		return nil, fmt.Errorf("%w: party size must be >= 1, got %d", models.ErrInvalidInterval, req.PartySize)
	}
	if req.Mode != models.ModeHoldThenConfirm && req.Mode != models.ModeDirectConfirm {
		return nil, fmt.Errorf("%w: unknown mode %q", models.ErrInvalidInterval, req.Mode)
	}

	resource, err := a.catalog.GetResource(req.ResourceID)
	if err != nil {
		return nil, err
	}

	if _, ok := resource.WindowCovering(req.Interval); !ok {
		return a.reject(ctx, req, &models.Rejection{
			Reason:     models.ErrOutOfHours,
			ResourceID: req.ResourceID,
			Requested:  req.Interval,
		})
	}

	release, err := a.locks.Acquire(ctx, req.ResourceID)
	if err != nil {
		if errors.Is(err, models.ErrBusy) {
			metrics.IncDecision("busy")
		}
		return nil, err
	}
	defer release()

	// Only this in-lock ledger read is authoritative for the commit
	// decision; the local index may lag behind other instances.
	overlaps, err := a.activeOverlaps(ctx, req.ResourceID, req.Interval)
	if err != nil {
		return nil, err
	}

	peak, peakAt := slotindex.PeakOccupancyAt(overlaps, req.Interval)
	if peak+req.PartySize > resource.Capacity {
		rej := &models.Rejection{
			Reason:     models.ErrCapacityExceeded,
			ResourceID: req.ResourceID,
			Requested:  req.Interval,
		}
		for _, e := range overlaps {
			if e.Interval.Contains(peakAt) {
				rej.Conflicting = e.Interval
				break
			}
		}
		return a.reject(ctx, req, rej)
	}

	target := models.StateConfirmed
	if req.Mode == models.ModeHoldThenConfirm {
		target = models.StateHeld
	}

	r, err := a.create(ctx, req)
	if err != nil {
		return nil, err
	}

	var appendOpts []ledger.AppendOption
	if target == models.StateHeld {
		appendOpts = append(appendOpts, ledger.WithHoldDeadline(a.now().Add(a.holdTTL(resource.Type))))
	}

	committed, err := a.ledger.Append(ctx, r.ID, models.StatePending, target, r.Version, appendOpts...)
	if err != nil {
		// Treated as never started: the index is untouched, the pending
		// record is superseded by nothing and holds no capacity.
		return nil, err
	}

	if err := a.index.Insert(*committed); err != nil {
		return nil, err
	}

	metrics.IncDecision(string(target))
	a.logger.Info().
		Str("reservation_id", committed.ID).
		Str("resource_id", req.ResourceID).
		Str("state", string(committed.State)).
		Int("party_size", req.PartySize).
		Msg("reservation accepted")
	return committed, nil
}

// ConfirmHold promotes a held reservation to confirmed.
func (a *Allocator) ConfirmHold(ctx context.Context, id string, expectedVersion int64) (*models.Reservation, error) {
	current, err := a.ledger.GetCurrent(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State == models.StateExpired || current.HoldExpired(a.now()) {
		return nil, fmt.Errorf("%w: reservation %s", models.ErrExpired, id)
	}

	committed, err := a.ledger.Append(ctx, id, models.StateHeld, models.StateConfirmed, expectedVersion)
	if err != nil {
		return nil, err
	}

	a.index.UpdateState(committed.ResourceID, id, models.StateConfirmed)
	metrics.IncDecision("confirmed")
	return committed, nil
}

// Cancel releases a held or confirmed reservation. Re-cancelling at the
// same version is a successful no-op.
func (a *Allocator) Cancel(ctx context.Context, id string, expectedVersion int64) (*models.Reservation, error) {
	current, err := a.ledger.GetCurrent(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State == models.StateCancelled && current.Version == expectedVersion {
		return current, nil
	}
	if !current.State.IsActive() {
		return nil, fmt.Errorf("%w: reservation %s is %s, cannot cancel", models.ErrConflict, id, current.State)
	}

	committed, err := a.ledger.Append(ctx, id, current.State, models.StateCancelled, expectedVersion)
	if err != nil {
		return nil, err
	}

	a.index.Remove(committed.ResourceID, id)
	metrics.IncDecision("cancelled")
	return committed, nil
}

// GetReservation returns the current reservation state.
func (a *Allocator) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return a.ledger.GetCurrent(ctx, id)
}

// History returns the reservation's transition history.
func (a *Allocator) History(ctx context.Context, id string) ([]models.Transition, error) {
	return a.ledger.History(ctx, id)
}

// QueryAvailability returns free-capacity slots over the range. The view
// is lock-free and advisory; it must never back a commit decision.
func (a *Allocator) QueryAvailability(ctx context.Context, resourceID string, rng models.TimeInterval) ([]AvailabilitySlot, error) {
	resource, err := a.catalog.GetResource(resourceID)
	if err != nil {
		return nil, err
	}
	windows, err := a.catalog.ListAvailabilityWindows(resourceID, rng)
	if err != nil {
		return nil, err
	}

	var out []AvailabilitySlot
	for _, w := range windows {
		overlaps, err := a.index.QueryOverlap(resourceID, w)
		if err != nil {
			return nil, err
		}
		out = append(out, slotsForWindow(w, overlaps, resource.Capacity)...)
	}
	return out, nil
}

// Rehydrate rebuilds the slot index from the ledger, for process restarts.
func (a *Allocator) Rehydrate(ctx context.Context) error {
	for _, resource := range a.catalog.ListResources() {
		active, err := a.ledger.ActiveByResource(ctx, resource.ID)
		if err != nil {
			return err
		}
		if err := a.index.Rebuild(resource.ID, active); err != nil {
			return err
		}
		a.logger.Info().Str("resource_id", resource.ID).Int("active", len(active)).Msg("slot index rehydrated")
	}
	return nil
}

// activeOverlaps reads held and confirmed reservations from the ledger
// and keeps those still counting against capacity over iv. Holds past
// their deadline are skipped: they can no longer be confirmed, whether or
// not a sweeper has recorded the expiry yet.
func (a *Allocator) activeOverlaps(ctx context.Context, resourceID string, iv models.TimeInterval) ([]slotindex.Entry, error) {
	active, err := a.ledger.ActiveByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	now := a.now()
	var out []slotindex.Entry
	for _, r := range active {
		if r.HoldExpired(now) || !r.Interval.Overlaps(iv) {
			continue
		}
		out = append(out, slotindex.Entry{
			ReservationID: r.ID,
			Interval:      r.Interval,
			PartySize:     r.PartySize,
			State:         r.State,
		})
	}
	return out, nil
}

// reject records a terminal rejection in the ledger and returns it. The
// rejection itself is the only thing recorded; no capacity is taken.
func (a *Allocator) reject(ctx context.Context, req Request, rej *models.Rejection) (*models.Reservation, error) {
	r, err := a.create(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := a.ledger.Append(ctx, r.ID, models.StatePending, models.StateRejected, r.Version); err != nil {
		return nil, err
	}

	switch {
	case errors.Is(rej.Reason, models.ErrOutOfHours):
		metrics.IncDecision("out_of_hours")
	case errors.Is(rej.Reason, models.ErrCapacityExceeded):
		metrics.IncDecision("capacity_exceeded")
	}
	a.logger.Info().
		Str("reservation_id", r.ID).
		Str("resource_id", req.ResourceID).
		Err(rej.Reason).
		Msg("reservation rejected")
	return nil, rej
}

func (a *Allocator) create(ctx context.Context, req Request) (*models.Reservation, error) {
	r := &models.Reservation{
		ID:         uuid.NewString(),
		ResourceID: req.ResourceID,
		Interval:   req.Interval,
		PartySize:  req.PartySize,
		State:      models.StatePending,
		Owner:      req.Owner,
	}
	if err := a.ledger.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// slotsForWindow splits a window at every occupancy change and reports the
// free capacity of each segment.
func slotsForWindow(w models.TimeInterval, overlaps []slotindex.Entry, capacity int) []AvailabilitySlot {
	boundaries := map[time.Time]struct{}{w.Start: {}, w.End: {}}
	for _, e := range overlaps {
		if clipped, ok := e.Interval.Clip(w); ok {
			boundaries[clipped.Start] = struct{}{}
			boundaries[clipped.End] = struct{}{}
		}
	}

	points := make([]time.Time, 0, len(boundaries))
	for t := range boundaries {
		points = append(points, t)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	var out []AvailabilitySlot
	for i := 0; i+1 < len(points); i++ {
		segment := models.TimeInterval{Start: points[i], End: points[i+1]}
		used := slotindex.PeakOccupancy(overlaps, segment)
		out = append(out, AvailabilitySlot{Interval: segment, Free: capacity - used})
	}
	return out
}
