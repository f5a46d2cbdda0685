// Package slotindex maintains a per-resource interval index over active
// (held or confirmed) reservations. The index reports occupancy; it never
// decides acceptance — that is the allocator's job, inside the critical
// section.
package slotindex

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"rezerv/internal/models"
)

// Entry is a reservation summary kept in the index.
type Entry struct {
	ReservationID string
	Interval      models.TimeInterval
	PartySize     int
	State         models.ReservationState
}

// Index holds sorted interval lists keyed by resource id. All methods are
// safe for concurrent use.
type Index struct {
	mu        sync.RWMutex
	resources map[string][]Entry // sorted by Interval.Start, then id
}

// New returns an empty index.
func New() *Index {
	return &Index{resources: make(map[string][]Entry)}
}

// Insert adds an active reservation to the resource's list.
func (ix *Index) Insert(r models.Reservation) error {
	if err := r.Interval.Validate(); err != nil {
		return err
	}
	if !r.State.IsActive() {
		return fmt.Errorf("reservation %s in state %s is not indexable", r.ID, r.State)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries := ix.resources[r.ResourceID]
	e := Entry{ReservationID: r.ID, Interval: r.Interval, PartySize: r.PartySize, State: r.State}
	pos := sort.Search(len(entries), func(i int) bool {
		if entries[i].Interval.Start.Equal(e.Interval.Start) {
			return entries[i].ReservationID >= e.ReservationID
		}
		return entries[i].Interval.Start.After(e.Interval.Start)
	})
	entries = append(entries, Entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = e
	ix.resources[r.ResourceID] = entries
	return nil
}

// Remove drops a reservation from the resource's list. Removing an absent
// id is a no-op so that version-race losers can clean up blindly.
func (ix *Index) Remove(resourceID, reservationID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries := ix.resources[resourceID]
	for i, e := range entries {
		if e.ReservationID == reservationID {
			ix.resources[resourceID] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// UpdateState replaces the indexed state of a reservation (held -> confirmed).
func (ix *Index) UpdateState(resourceID, reservationID string, state models.ReservationState) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries := ix.resources[resourceID]
	for i := range entries {
		if entries[i].ReservationID == reservationID {
			entries[i].State = state
			return
		}
	}
}

// UpdateInterval moves a reservation to a new interval, preserving sort
// order. Returns models.ErrNotFound when the id is not indexed.
func (ix *Index) UpdateInterval(resourceID, reservationID string, iv models.TimeInterval) error {
	if err := iv.Validate(); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries := ix.resources[resourceID]
	for i, e := range entries {
		if e.ReservationID == reservationID {
			e.Interval = iv
			rest := append(entries[:i], entries[i+1:]...)
			pos := sort.Search(len(rest), func(j int) bool {
				if rest[j].Interval.Start.Equal(iv.Start) {
					return rest[j].ReservationID >= reservationID
				}
				return rest[j].Interval.Start.After(iv.Start)
			})
			rest = append(rest, Entry{})
			copy(rest[pos+1:], rest[pos:])
			rest[pos] = e
			ix.resources[resourceID] = rest
			return nil
		}
	}
	return fmt.Errorf("%w: reservation %s on resource %s", models.ErrNotFound, reservationID, resourceID)
}

// QueryOverlap returns entries whose intervals intersect iv. The binary
// search bounds the scan to entries starting before iv.End; the index has
// no opinion on availability windows, only occupancy.
func (ix *Index) QueryOverlap(resourceID string, iv models.TimeInterval) ([]Entry, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entries := ix.resources[resourceID]
	// Entries at or past iv.End can't overlap a half-open interval.
	hi := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Interval.Start.Before(iv.End)
	})

	var out []Entry
	for i := 0; i < hi; i++ {
		if entries[i].Interval.Overlaps(iv) {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

// PeakOccupancy computes the maximum concurrent party-size sum over the
// entries, restricted to the interval iv. Half-open semantics: a party
// leaving at t does not count against one arriving at t.
func PeakOccupancy(entries []Entry, iv models.TimeInterval) int {
	peak, _ := PeakOccupancyAt(entries, iv)
	return peak
}

// PeakOccupancyAt additionally reports the earliest instant at which the
// peak is reached. The instant is zero when nothing overlaps iv.
func PeakOccupancyAt(entries []Entry, iv models.TimeInterval) (int, time.Time) {
	type point struct {
		at    int64
		delta int
	}
	var points []point
	for _, e := range entries {
		clipped, ok := e.Interval.Clip(iv)
		if !ok {
			continue
		}
		points = append(points, point{clipped.Start.UnixNano(), e.PartySize})
		points = append(points, point{clipped.End.UnixNano(), -e.PartySize})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].at == points[j].at {
			// Departures before arrivals at the same instant.
			return points[i].delta < points[j].delta
		}
		return points[i].at < points[j].at
	})

	peak, current := 0, 0
	var peakAt time.Time
	for _, p := range points {
		current += p.delta
		if current > peak {
			peak = current
			peakAt = time.Unix(0, p.at).UTC()
		}
	}
	return peak, peakAt
}

// Rebuild replaces the resource's entries wholesale, used when warming the
// index from storage at startup.
func (ix *Index) Rebuild(resourceID string, reservations []models.Reservation) error {
	ix.mu.Lock()
	delete(ix.resources, resourceID)
	ix.mu.Unlock()

	for _, r := range reservations {
		if !r.State.IsActive() {
			continue
		}
		if err := ix.Insert(r); err != nil {
			return err
		}
	}
	return nil
}
