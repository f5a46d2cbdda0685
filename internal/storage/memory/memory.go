// Package memory provides an in-memory Store used by tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rezerv/internal/models"
)

type Store struct {
	mu           sync.RWMutex
	reservations map[string]models.Reservation
	history      map[string][]models.Transition
}

func New() *Store {
	return &Store{
		reservations: make(map[string]models.Reservation),
		history:      make(map[string][]models.Transition),
	}
}

func (s *Store) Insert(ctx context.Context, r *models.Reservation, rec models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reservations[r.ID]; exists {
		return fmt.Errorf("%w: reservation %s already exists", models.ErrConflict, r.ID)
	}
	s.reservations[r.ID] = *r
	s.history[r.ID] = append(s.history[r.ID], rec)
	return nil
}

func (s *Store) Update(ctx context.Context, r *models.Reservation, expectedVersion int64, rec models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.reservations[r.ID]
	if !exists {
		return fmt.Errorf("%w: reservation %s", models.ErrNotFound, r.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: reservation %s at version %d, expected %d", models.ErrConflict, r.ID, current.Version, expectedVersion)
	}
	s.reservations[r.ID] = *r
	s.history[r.ID] = append(s.history[r.ID], rec)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.reservations[id]
	if !exists {
		return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, id)
	}
	out := r
	return &out, nil
}

func (s *Store) History(ctx context.Context, id string) ([]models.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, exists := s.history[id]
	if !exists {
		return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, id)
	}
	out := make([]models.Transition, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *Store) ActiveByResource(ctx context.Context, resourceID string) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Reservation
	for _, r := range s.reservations {
		if r.ResourceID == resourceID && r.State.IsActive() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval.Start.Before(out[j].Interval.Start) })
	return out, nil
}

func (s *Store) ExpiredHeld(ctx context.Context, cutoff time.Time) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Reservation
	for _, r := range s.reservations {
		if r.State == models.StateHeld && !r.HoldUntil.IsZero() && !r.HoldUntil.After(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldUntil.Before(out[j].HoldUntil) })
	return out, nil
}

func (s *Store) Close() error { return nil }
