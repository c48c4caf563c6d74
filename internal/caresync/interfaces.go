// Package caresync implements the offline-first reconciliation engine for
// the care-tracking data. It classifies local records against the identity
// mapping, pushes dirty records, pulls remote changes, resolves concurrent
// edits with last-write-wins, and reports partial-failure outcomes without
// losing already-synchronized work.
//
// The package contains three main components:
//
//   - [EntitySyncer] reconciles one entity type end-to-end.
//   - [Coordinator] orchestrates the entity syncers for one care recipient
//     and aggregates their outcomes.
//   - [Publisher] exposes the coordinator's progress as an observable
//     [State] stream.
package caresync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kazu-apps/carenote-sync/internal/mapping"
	"github.com/kazu-apps/carenote-sync/internal/model"
)

// LocalStore provides access to the local record database.
// Implemented by [localstore.Store].
type LocalStore interface {
	GetDirtySince(ctx context.Context, entityType string, ts time.Time) ([]model.Record, error)
	Get(ctx context.Context, entityType string, localID int64) (*model.Record, error)
	Upsert(ctx context.Context, rec model.Record) (int64, error)
	Delete(ctx context.Context, entityType string, localID int64) error
}

// RemoteStore provides access to the care-service document API, scoped under
// one care recipient. Writes return the document with its server-assigned
// timestamp, which is authoritative for conflict comparisons.
// Implemented by [remotestore.Client].
type RemoteStore interface {
	GetUpdatedSince(ctx context.Context, entityType string, ts time.Time) ([]model.RemoteRecord, error)
	Get(ctx context.Context, entityType, remoteID string) (*model.RemoteRecord, error)
	Create(ctx context.Context, entityType string, payload json.RawMessage) (*model.RemoteRecord, error)
	Update(ctx context.Context, entityType, remoteID string, payload json.RawMessage) (*model.RemoteRecord, error)
	Delete(ctx context.Context, entityType, remoteID string) error
}

// Mapper provides access to the identity mapping, watermarks, and retry
// queue. Implemented by [mapping.Store].
type Mapper interface {
	Get(ctx context.Context, entityType string, localID int64) (*mapping.Mapping, error)
	GetByRemote(ctx context.Context, entityType, remoteID string) (*mapping.Mapping, error)
	ResolveRemote(ctx context.Context, entityType string, localID int64) (string, bool, error)
	ResolveLocal(ctx context.Context, entityType, remoteID string) (int64, bool, error)
	Record(ctx context.Context, entityType string, localID int64, remoteID string, syncedAt time.Time) error
	MarkDeleted(ctx context.Context, entityType string, localID int64) error
	ChangedSince(ctx context.Context, entityType string, ts time.Time) ([]int64, error)

	Watermark(ctx context.Context, recipientID, entityType string) (time.Time, error)
	SetWatermark(ctx context.Context, recipientID, entityType string, ts time.Time) error
	LastSyncTime(ctx context.Context, recipientID string, entityTypes []string) (time.Time, error)

	MarkRetry(ctx context.Context, entityType string, localID int64) error
	PendingRetries(ctx context.Context, entityType string) ([]int64, error)
	ClearRetry(ctx context.Context, entityType string, localID int64) error
}

// Clock abstracts time for watermark stamping so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production [Clock].
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ConnectivityProbe reports whether the care service is reachable. A sync
// attempt while offline fails fast without touching the local store.
// Implemented by [remotestore.Client].
type ConnectivityProbe interface {
	IsOnline(ctx context.Context) bool
}
