// Package catalog holds the bookable resources and their availability
// calendars. Read-mostly; updates are versioned and validated against the
// ledger so a calendar change can never orphan confirmed reservations.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"rezerv/internal/models"

	"github.com/rs/zerolog"
)

// ActiveLister is the slice of the ledger the catalog needs for update
// validation.
type ActiveLister interface {
	ActiveByResource(ctx context.Context, resourceID string) ([]models.Reservation, error)
}

type Catalog struct {
	mu        sync.RWMutex
	resources map[string]models.Resource
	ledger    ActiveLister
	logger    *zerolog.Logger
}

func New(ledger ActiveLister, logger *zerolog.Logger) *Catalog {
	return &Catalog{
		resources: make(map[string]models.Resource),
		ledger:    ledger,
		logger:    logger,
	}
}

// Publish registers a new resource at version 1. Fails if the id is taken.
func (c *Catalog) Publish(r models.Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.resources[r.ID]; exists {
		return fmt.Errorf("%w: resource %s already published", models.ErrConflict, r.ID)
	}
	r.Version = 1
	c.resources[r.ID] = r
	c.logger.Info().Str("resource_id", r.ID).Int("capacity", r.Capacity).Msg("resource published")
	return nil
}

// GetResource returns the resource or models.ErrNotFound.
func (c *Catalog) GetResource(id string) (models.Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, exists := c.resources[id]
	if !exists {
		return models.Resource{}, fmt.Errorf("%w: resource %s", models.ErrNotFound, id)
	}
	return r, nil
}

// ListResources returns all published resources.
func (c *Catalog) ListResources() []models.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	return out
}

// ListAvailabilityWindows returns the resource's windows intersecting the
// range, clipped to it, in calendar order.
func (c *Catalog) ListAvailabilityWindows(resourceID string, rng models.TimeInterval) ([]models.TimeInterval, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	r, err := c.GetResource(resourceID)
	if err != nil {
		return nil, err
	}
	return r.WindowsWithin(rng), nil
}

// Update replaces a resource's definition guarded by expectedVersion. The
// new windows must still cover every confirmed reservation; otherwise the
// update is rejected rather than silently overriding bookings.
func (c *Catalog) Update(ctx context.Context, r models.Resource, expectedVersion int64) error {
	if err := r.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.resources[r.ID]
	if !exists {
		return fmt.Errorf("%w: resource %s", models.ErrNotFound, r.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: resource %s at version %d, expected %d", models.ErrConflict, r.ID, current.Version, expectedVersion)
	}

	if c.ledger != nil {
		active, err := c.ledger.ActiveByResource(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("validate update for %s: %w", r.ID, err)
		}
		for _, res := range active {
			if res.State != models.StateConfirmed {
				continue
			}
			if _, ok := r.WindowCovering(res.Interval); !ok {
				return fmt.Errorf("%w: update would orphan confirmed reservation %s at %s", models.ErrConflict, res.ID, res.Interval)
			}
		}
	}

	r.Version = expectedVersion + 1
	c.resources[r.ID] = r
	c.logger.Info().Str("resource_id", r.ID).Int64("version", r.Version).Msg("resource updated")
	return nil
}
