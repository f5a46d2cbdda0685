package models

import "fmt"

// Resource is a bookable entity with finite capacity and an availability
// calendar. Resources are immutable once published; changes go through
// versioned updates in the catalog.
type Resource struct {
	ID       string         `json:"id"`
	Type     string         `json:"type,omitempty"` // e.g. "table", "room"; selects hold TTL overrides
	Capacity int            `json:"capacity"`
	Timezone string         `json:"timezone"`
	Windows  []TimeInterval `json:"windows"` // ordered, non-overlapping open intervals
	Version  int64          `json:"version"`
}

// Validate checks structural invariants: positive capacity and ordered,
// non-overlapping windows.
func (r *Resource) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	if r.Capacity < 1 {
		return fmt.Errorf("resource %s: capacity must be >= 1, got %d", r.ID, r.Capacity)
	}
	for i, w := range r.Windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("resource %s window %d: %w", r.ID, i, err)
		}
		if i > 0 && r.Windows[i-1].End.After(w.Start) {
			return fmt.Errorf("resource %s: windows %d and %d overlap or are out of order", r.ID, i-1, i)
		}
	}
	return nil
}

// WindowCovering returns the availability window that fully contains the
// interval, or false when no window does.
func (r *Resource) WindowCovering(iv TimeInterval) (TimeInterval, bool) {
	for _, w := range r.Windows {
		if w.Covers(iv) {
			return w, true
		}
	}
	return TimeInterval{}, false
}

// WindowsWithin returns the availability windows intersecting the range,
// clipped to it, preserving order.
func (r *Resource) WindowsWithin(rng TimeInterval) []TimeInterval {
	var out []TimeInterval
	for _, w := range r.Windows {
		if clipped, ok := w.Clip(rng); ok {
			out = append(out, clipped)
		}
	}
	return out
}
