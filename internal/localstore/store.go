// Package localstore provides the SQLite-backed local record store. It holds
// the care data itself (one generic table keyed by entity type and local id);
// sync metadata lives in the mapping store, never here.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/kazu-apps/carenote-sync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS care_records (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT    NOT NULL,
    payload     TEXT    NOT NULL DEFAULT '{}',
    updated_at  TEXT    NOT NULL DEFAULT '',
    is_deleted  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_type_updated ON care_records (entity_type, updated_at);
`

// Store is the SQLite-backed local record repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the local record database:
// ~/.local/share/carenote-sync/records.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "carenote-sync", "records.db"), nil
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating record DB directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDirtySince returns all records of the entity type modified strictly
// after ts, including soft-deleted ones awaiting propagation.
func (s *Store) GetDirtySince(ctx context.Context, entityType string, ts time.Time) ([]model.Record, error) {
	const q = `
		SELECT id, entity_type, payload, updated_at, is_deleted
		FROM care_records WHERE entity_type = ? AND updated_at > ?`
	rows, err := s.db.QueryContext(ctx, q, entityType, formatTime(ts))
	if err != nil {
		return nil, fmt.Errorf("querying dirty %q records: %w", entityType, wrapDB(err))
	}
	defer func() { _ = rows.Close() }()

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Get returns the record with the given local id, or (nil, nil) if no such
// record exists.
func (s *Store) Get(ctx context.Context, entityType string, localID int64) (*model.Record, error) {
	const q = `
		SELECT id, entity_type, payload, updated_at, is_deleted
		FROM care_records WHERE entity_type = ? AND id = ?`
	return scanRecord(s.db.QueryRowContext(ctx, q, entityType, localID))
}

// Upsert inserts rec when LocalID is zero (returning the new id) or replaces
// the existing row otherwise. The record's UpdatedAt is stored as given: app
// writes stamp the wall clock, sync writes stamp the server timestamp.
func (s *Store) Upsert(ctx context.Context, rec model.Record) (int64, error) {
	if rec.LocalID == 0 {
		const q = `
			INSERT INTO care_records (entity_type, payload, updated_at, is_deleted)
			VALUES (?, ?, ?, ?)`
		res, err := s.db.ExecContext(ctx, q, rec.EntityType, string(rec.Payload), formatTime(rec.UpdatedAt), boolToInt(rec.Deleted))
		if err != nil {
			return 0, fmt.Errorf("inserting %q record: %w", rec.EntityType, wrapDB(err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("reading inserted id: %w", wrapDB(err))
		}
		return id, nil
	}

	const q = `
		INSERT INTO care_records (id, entity_type, payload, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    payload    = excluded.payload,
		    updated_at = excluded.updated_at,
		    is_deleted = excluded.is_deleted`
	if _, err := s.db.ExecContext(ctx, q, rec.LocalID, rec.EntityType, string(rec.Payload), formatTime(rec.UpdatedAt), boolToInt(rec.Deleted)); err != nil {
		return 0, fmt.Errorf("upserting %s/%d: %w", rec.EntityType, rec.LocalID, wrapDB(err))
	}
	return rec.LocalID, nil
}

// Delete physically removes the record. Used when applying a remote delete;
// the mapping store's tombstone is what prevents resurrection afterwards.
func (s *Store) Delete(ctx context.Context, entityType string, localID int64) error {
	const q = `DELETE FROM care_records WHERE entity_type = ? AND id = ?`
	if _, err := s.db.ExecContext(ctx, q, entityType, localID); err != nil {
		return fmt.Errorf("deleting %s/%d: %w", entityType, localID, wrapDB(err))
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*model.Record, error) {
	var rec model.Record
	var payload, updatedAt string
	var deleted int

	err := s.Scan(&rec.LocalID, &rec.EntityType, &payload, &updatedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", wrapDB(err))
	}

	rec.Payload = []byte(payload)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	rec.Deleted = deleted != 0
	return &rec, nil
}

func wrapDB(err error) error {
	return fmt.Errorf("%w: %v", model.ErrDatabase, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
