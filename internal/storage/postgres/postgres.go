// Package postgres implements the storage.Store interface over PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rezerv/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists reservations and transitions in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			party_size INTEGER NOT NULL,
			state TEXT NOT NULL,
			version BIGINT NOT NULL,
			owner TEXT,
			hold_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_resource_state ON reservations(resource_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_hold_until ON reservations(state, hold_until)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			seq BIGSERIAL PRIMARY KEY,
			reservation_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			version BIGINT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_reservation ON transitions(reservation_id, seq)`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, r *models.Reservation, rec models.Transition) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO reservations
		(id, resource_id, start_time, end_time, party_size, state, version, owner, hold_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.ResourceID, r.Interval.Start, r.Interval.End, r.PartySize, string(r.State),
		r.Version, r.Owner, nullableTime(r.HoldUntil), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation %s: %w", r.ID, err)
	}

	if err := insertTransition(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Update(ctx context.Context, r *models.Reservation, expectedVersion int64, rec models.Transition) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `UPDATE reservations
		SET state = $1, version = $2, hold_until = $3, updated_at = $4
		WHERE id = $5 AND version = $6`,
		string(r.State), r.Version, nullableTime(r.HoldUntil), r.UpdatedAt, r.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update reservation %s: %w", r.ID, err)
	}

	if cmd.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx, `SELECT version FROM reservations WHERE id = $1`, r.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: reservation %s", models.ErrNotFound, r.ID)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: reservation %s at version %d, expected %d", models.ErrConflict, r.ID, current, expectedVersion)
	}

	if err := insertTransition(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTransition(ctx context.Context, tx pgx.Tx, rec models.Transition) error {
	_, err := tx.Exec(ctx, `INSERT INTO transitions
		(reservation_id, resource_id, from_state, to_state, version, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ReservationID, rec.ResourceID, string(rec.From), string(rec.To), rec.Version, rec.At)
	if err != nil {
		return fmt.Errorf("insert transition for %s: %w", rec.ReservationID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Reservation, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, resource_id, start_time, end_time, party_size, state, version, owner, hold_until, created_at, updated_at
		FROM reservations WHERE id = $1`, id)
	r, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, id)
	}
	return r, err
}

func (s *Store) History(ctx context.Context, id string) ([]models.Transition, error) {
	rows, err := s.pool.Query(ctx, `SELECT reservation_id, resource_id, from_state, to_state, version, at
		FROM transitions WHERE reservation_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var rec models.Transition
		var from, to string
		if err := rows.Scan(&rec.ReservationID, &rec.ResourceID, &from, &to, &rec.Version, &rec.At); err != nil {
			return nil, err
		}
		rec.From = models.ReservationState(from)
		rec.To = models.ReservationState(to)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, id)
	}
	return out, nil
}

func (s *Store) ActiveByResource(ctx context.Context, resourceID string) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, resource_id, start_time, end_time, party_size, state, version, owner, hold_until, created_at, updated_at
		FROM reservations WHERE resource_id = $1 AND state = ANY($2) ORDER BY start_time`,
		resourceID, []string{string(models.StateHeld), string(models.StateConfirmed)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *Store) ExpiredHeld(ctx context.Context, cutoff time.Time) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, resource_id, start_time, end_time, party_size, state, version, owner, hold_until, created_at, updated_at
		FROM reservations WHERE state = $1 AND hold_until IS NOT NULL AND hold_until <= $2 ORDER BY hold_until`,
		string(models.StateHeld), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanReservation(row pgx.Row) (*models.Reservation, error) {
	var r models.Reservation
	var state string
	var owner *string
	var holdUntil *time.Time
	if err := row.Scan(&r.ID, &r.ResourceID, &r.Interval.Start, &r.Interval.End, &r.PartySize,
		&state, &r.Version, &owner, &holdUntil, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.State = models.ReservationState(state)
	if owner != nil {
		r.Owner = *owner
	}
	if holdUntil != nil {
		r.HoldUntil = *holdUntil
	}
	return &r, nil
}

func scanReservations(rows pgx.Rows) ([]models.Reservation, error) {
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
