// Package models defines the reservation domain: intervals, resources,
// reservation state and the allowed transition graph.
package models

import "time"

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	StatePending   ReservationState = "pending"
	StateHeld      ReservationState = "held"
	StateConfirmed ReservationState = "confirmed"
	StateCancelled ReservationState = "cancelled"
	StateExpired   ReservationState = "expired"
	StateRejected  ReservationState = "rejected"
)

// transitions is the fixed directed graph of allowed state changes.
// Nothing ever re-enters Pending.
var transitions = map[ReservationState][]ReservationState{
	StatePending:   {StateHeld, StateConfirmed, StateRejected},
	StateHeld:      {StateConfirmed, StateExpired, StateCancelled},
	StateConfirmed: {StateCancelled},
	StateCancelled: {},
	StateExpired:   {},
	StateRejected:  {},
}

// CanTransition reports whether from -> to is an allowed state change.
func CanTransition(from, to ReservationState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s ReservationState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsActive reports whether the state occupies capacity in the slot index.
func (s ReservationState) IsActive() bool {
	return s == StateHeld || s == StateConfirmed
}

// RequestMode selects between a provisional hold and a direct confirmation.
type RequestMode string

const (
	ModeHoldThenConfirm RequestMode = "hold_then_confirm"
	ModeDirectConfirm   RequestMode = "direct_confirm"
)

// Reservation is a request for an interval on a resource. Reservations are
// never deleted; terminal states supersede them logically.
type Reservation struct {
	ID         string           `json:"id"`
	ResourceID string           `json:"resource_id"`
	Interval   TimeInterval     `json:"interval"`
	PartySize  int              `json:"party_size"`
	State      ReservationState `json:"state"`
	Version    int64            `json:"version"`
	Owner      string           `json:"owner,omitempty"` // opaque holder reference
	HoldUntil  time.Time        `json:"hold_until,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// HoldExpired reports whether a held reservation is past its deadline.
func (r *Reservation) HoldExpired(now time.Time) bool {
	return r.State == StateHeld && !r.HoldUntil.IsZero() && !now.Before(r.HoldUntil)
}

// Transition is one committed ledger entry.
type Transition struct {
	ReservationID string           `json:"reservation_id"`
	ResourceID    string           `json:"resource_id"`
	From          ReservationState `json:"from"`
	To            ReservationState `json:"to"`
	Version       int64            `json:"version"` // version after the transition
	At            time.Time        `json:"at"`
}
