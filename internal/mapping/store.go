// Package mapping manages the SQLite database that tracks the identity
// mapping between local row ids and remote document ids, the per-entity-type
// sync watermarks, and the retry queue of failed local ids.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package mapping

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
CREATE TABLE IF NOT EXISTS sync_mappings (
    entity_type    TEXT    NOT NULL,
    local_id       INTEGER NOT NULL,
    remote_id      TEXT    NOT NULL,
    last_synced_at TEXT    NOT NULL DEFAULT '',
    is_deleted     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_type, local_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_remote ON sync_mappings (entity_type, remote_id);

CREATE TABLE IF NOT EXISTS sync_watermarks (
    care_recipient_id TEXT NOT NULL,
    entity_type       TEXT NOT NULL,
    last_synced_at    TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (care_recipient_id, entity_type)
);

CREATE TABLE IF NOT EXISTS sync_retries (
    entity_type TEXT    NOT NULL,
    local_id    INTEGER NOT NULL,
    queued_at   TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (entity_type, local_id)
);
`

// Mapping is one row of the identity map: a single logical record known to
// both identity spaces. Rows are never physically removed once a remote
// delete has been observed; IsDeleted tombstones them instead so a later
// pull cannot resurrect the record.
type Mapping struct {
	EntityType   string
	LocalID      int64
	RemoteID     string
	LastSyncedAt time.Time
	IsDeleted    bool
}

// Store is the SQLite-backed mapping repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the sync database:
// ~/.local/share/carenote-sync/sync.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "carenote-sync", "sync.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating sync DB directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- identity map ------------------------------------------------------------

// Get returns the mapping for (entityType, localID), or (nil, nil) if none
// exists.
func (s *Store) Get(ctx context.Context, entityType string, localID int64) (*Mapping, error) {
	const q = `
		SELECT entity_type, local_id, remote_id, last_synced_at, is_deleted
		FROM sync_mappings WHERE entity_type = ? AND local_id = ?`
	return scanMapping(s.db.QueryRowContext(ctx, q, entityType, localID))
}

// GetByRemote returns the mapping for (entityType, remoteID), or (nil, nil)
// if none exists.
func (s *Store) GetByRemote(ctx context.Context, entityType, remoteID string) (*Mapping, error) {
	const q = `
		SELECT entity_type, local_id, remote_id, last_synced_at, is_deleted
		FROM sync_mappings WHERE entity_type = ? AND remote_id = ?`
	return scanMapping(s.db.QueryRowContext(ctx, q, entityType, remoteID))
}

// ResolveRemote returns the remote id mapped to (entityType, localID).
// The second return value is false when no mapping exists.
func (s *Store) ResolveRemote(ctx context.Context, entityType string, localID int64) (string, bool, error) {
	m, err := s.Get(ctx, entityType, localID)
	if err != nil || m == nil {
		return "", false, err
	}
	return m.RemoteID, true, nil
}

// ResolveLocal is the inverse lookup of [Store.ResolveRemote].
func (s *Store) ResolveLocal(ctx context.Context, entityType, remoteID string) (int64, bool, error) {
	m, err := s.GetByRemote(ctx, entityType, remoteID)
	if err != nil || m == nil {
		return 0, false, err
	}
	return m.LocalID, true, nil
}

// Record upserts one mapping row. It fails with [model.ErrMappingConflict]
// when the (entityType, remoteID) pair already maps to a different local id,
// a duplicate-creation race the caller must reconcile by merging the two
// local rows.
func (s *Store) Record(ctx context.Context, entityType string, localID int64, remoteID string, syncedAt time.Time) error {
	existing, err := s.GetByRemote(ctx, entityType, remoteID)
	if err != nil {
		return err
	}
	if existing != nil && existing.LocalID != localID {
		return fmt.Errorf("remote %s/%s already mapped to local id %d (wanted %d): %w",
			entityType, remoteID, existing.LocalID, localID, model.ErrMappingConflict)
	}

	const q = `
		INSERT INTO sync_mappings (entity_type, local_id, remote_id, last_synced_at, is_deleted)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(entity_type, local_id) DO UPDATE SET
		    remote_id      = excluded.remote_id,
		    last_synced_at = excluded.last_synced_at`
	if _, err := s.db.ExecContext(ctx, q, entityType, localID, remoteID, formatTime(syncedAt)); err != nil {
		return fmt.Errorf("recording mapping %s/%d: %w", entityType, localID, wrapDB(err))
	}
	return nil
}

// MarkDeleted tombstones the mapping for (entityType, localID) without
// removing the row, so a later pull that still sees the remote document can
// detect "already tombstoned" and skip resurrection.
func (s *Store) MarkDeleted(ctx context.Context, entityType string, localID int64) error {
	const q = `UPDATE sync_mappings SET is_deleted = 1 WHERE entity_type = ? AND local_id = ?`
	if _, err := s.db.ExecContext(ctx, q, entityType, localID); err != nil {
		return fmt.Errorf("tombstoning mapping %s/%d: %w", entityType, localID, wrapDB(err))
	}
	return nil
}

// ChangedSince returns the local ids of mappings reconciled after ts,
// letting the syncer avoid scanning the full local table.
func (s *Store) ChangedSince(ctx context.Context, entityType string, ts time.Time) ([]int64, error) {
	const q = `
		SELECT local_id FROM sync_mappings
		WHERE entity_type = ? AND last_synced_at > ? AND is_deleted = 0`
	rows, err := s.db.QueryContext(ctx, q, entityType, formatTime(ts))
	if err != nil {
		return nil, fmt.Errorf("querying changed mappings for %q: %w", entityType, wrapDB(err))
	}
	defer func() { _ = rows.Close() }()
	return collectIDs(rows)
}

// --- watermarks --------------------------------------------------------------

// Watermark returns the last successful sync time for the given care
// recipient and entity type, or the zero time if never synced.
func (s *Store) Watermark(ctx context.Context, recipientID, entityType string) (time.Time, error) {
	const q = `
		SELECT last_synced_at FROM sync_watermarks
		WHERE care_recipient_id = ? AND entity_type = ?`
	var raw string
	err := s.db.QueryRowContext(ctx, q, recipientID, entityType).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("querying watermark %s/%s: %w", recipientID, entityType, wrapDB(err))
	}
	ts, _ := parseTime(raw)
	return ts, nil
}

// SetWatermark advances the watermark for (recipientID, entityType).
func (s *Store) SetWatermark(ctx context.Context, recipientID, entityType string, ts time.Time) error {
	const q = `
		INSERT INTO sync_watermarks (care_recipient_id, entity_type, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(care_recipient_id, entity_type) DO UPDATE SET
		    last_synced_at = excluded.last_synced_at`
	if _, err := s.db.ExecContext(ctx, q, recipientID, entityType, formatTime(ts)); err != nil {
		return fmt.Errorf("setting watermark %s/%s: %w", recipientID, entityType, wrapDB(err))
	}
	return nil
}

// LastSyncTime returns the minimum watermark across all entity types for the
// care recipient, the point up to which every collection is known to be
// reconciled. The zero time means at least one entity type has never synced
// (or none have).
func (s *Store) LastSyncTime(ctx context.Context, recipientID string, entityTypes []string) (time.Time, error) {
	var min time.Time
	for i, et := range entityTypes {
		wm, err := s.Watermark(ctx, recipientID, et)
		if err != nil {
			return time.Time{}, err
		}
		if wm.IsZero() {
			return time.Time{}, nil
		}
		if i == 0 || wm.Before(min) {
			min = wm
		}
	}
	return min, nil
}

// --- retry queue -------------------------------------------------------------
//
// The watermark advances on partial success, which would hide records whose
// push failed. Queuing their ids here keeps them dirty until a clean push.

// MarkRetry queues (entityType, localID) for retry on the next sync pass.
func (s *Store) MarkRetry(ctx context.Context, entityType string, localID int64) error {
	const q = `
		INSERT INTO sync_retries (entity_type, local_id, queued_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_type, local_id) DO UPDATE SET queued_at = excluded.queued_at`
	if _, err := s.db.ExecContext(ctx, q, entityType, localID, formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("queuing retry %s/%d: %w", entityType, localID, wrapDB(err))
	}
	return nil
}

// PendingRetries returns the queued local ids for the entity type.
func (s *Store) PendingRetries(ctx context.Context, entityType string) ([]int64, error) {
	const q = `SELECT local_id FROM sync_retries WHERE entity_type = ?`
	rows, err := s.db.QueryContext(ctx, q, entityType)
	if err != nil {
		return nil, fmt.Errorf("querying retries for %q: %w", entityType, wrapDB(err))
	}
	defer func() { _ = rows.Close() }()
	return collectIDs(rows)
}

// ClearRetry removes (entityType, localID) from the retry queue.
func (s *Store) ClearRetry(ctx context.Context, entityType string, localID int64) error {
	const q = `DELETE FROM sync_retries WHERE entity_type = ? AND local_id = ?`
	if _, err := s.db.ExecContext(ctx, q, entityType, localID); err != nil {
		return fmt.Errorf("clearing retry %s/%d: %w", entityType, localID, wrapDB(err))
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanMapping can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(s scanner) (*Mapping, error) {
	var m Mapping
	var syncedAt string
	var deleted int

	err := s.Scan(&m.EntityType, &m.LocalID, &m.RemoteID, &syncedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mapping row: %w", wrapDB(err))
	}

	m.LastSyncedAt, _ = parseTime(syncedAt)
	m.IsDeleted = deleted != 0
	return &m, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning local id: %w", wrapDB(err))
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func wrapDB(err error) error {
	return fmt.Errorf("%w: %v", model.ErrDatabase, err)
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
