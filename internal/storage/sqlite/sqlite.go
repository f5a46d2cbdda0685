// Package sqlite implements the storage.Store interface over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rezerv/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// Store persists reservations and transitions in a single SQLite file.
type Store struct {
	db     *sql.DB
	logger *zerolog.Logger
}

// New opens (creating if needed) the database at path and ensures the
// schema exists.
func New(path string, logger *zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode and busy timeout keep concurrent readers from blocking the
	// single writer.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("reservation store initialized")
	return s, nil
}

func (s *Store) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			party_size INTEGER NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			owner TEXT,
			hold_until DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_resource_state ON reservations(resource_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_hold_until ON reservations(state, hold_until)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			reservation_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			version INTEGER NOT NULL,
			at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_reservation ON transitions(reservation_id, seq)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, r *models.Reservation, rec models.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO reservations
		(id, resource_id, start_time, end_time, party_size, state, version, owner, hold_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ResourceID, r.Interval.Start, r.Interval.End, r.PartySize, string(r.State),
		r.Version, r.Owner, nullableTime(r.HoldUntil), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation %s: %w", r.ID, err)
	}

	if err := insertTransition(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Update(ctx context.Context, r *models.Reservation, expectedVersion int64, rec models.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE reservations
		SET state = ?, version = ?, hold_until = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(r.State), r.Version, nullableTime(r.HoldUntil), r.UpdatedAt, r.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update reservation %s: %w", r.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing row from a stale version.
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM reservations WHERE id = ?`, r.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
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
	return tx.Commit()
}

func insertTransition(ctx context.Context, tx *sql.Tx, rec models.Transition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions
		(reservation_id, resource_id, from_state, to_state, version, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ReservationID, rec.ResourceID, string(rec.From), string(rec.To), rec.Version, rec.At)
	if err != nil {
		return fmt.Errorf("insert transition for %s: %w", rec.ReservationID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, resource_id, start_time, end_time, party_size, state, version, owner, hold_until, created_at, updated_at
		FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, id)
	}
	return r, err
}

func (s *Store) History(ctx context.Context, id string) ([]models.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reservation_id, resource_id, from_state, to_state, version, at
		FROM transitions WHERE reservation_id = ? ORDER BY seq`, id)
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
	rows, err := s.db.QueryContext(ctx, `SELECT id, resource_id, start_time, end_time, party_size, state, version, owner, hold_until, created_at, updated_at
		FROM reservations WHERE resource_id = ? AND state IN (?, ?) ORDER BY start_time`,
		resourceID, string(models.StateHeld), string(models.StateConfirmed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *Store) ExpiredHeld(ctx context.Context, cutoff time.Time) ([]models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, resource_id, start_time, end_time, party_size, state, version, owner, hold_until, created_at, updated_at
		FROM reservations WHERE state = ? AND hold_until IS NOT NULL AND hold_until <= ? ORDER BY hold_until`,
		string(models.StateHeld), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	var state string
	var owner sql.NullString
	var holdUntil sql.NullTime
	if err := row.Scan(&r.ID, &r.ResourceID, &r.Interval.Start, &r.Interval.End, &r.PartySize,
		&state, &r.Version, &owner, &holdUntil, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.State = models.ReservationState(state)
	r.Owner = owner.String
	if holdUntil.Valid {
		r.HoldUntil = holdUntil.Time
	}
	return &r, nil
}

func scanReservations(rows *sql.Rows) ([]models.Reservation, error) {
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
