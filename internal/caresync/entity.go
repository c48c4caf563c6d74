package caresync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kazu-apps/carenote-sync/internal/model"
)

// Mode selects which directions a sync pass covers.
type Mode int

const (
	// ModeBoth pushes local changes then pulls remote changes.
	ModeBoth Mode = iota
	// ModePush only uploads local changes.
	ModePush
	// ModePull only downloads remote changes. Conflicting local edits are
	// left in place and remain dirty for the next push.
	ModePull
)

// EntitySyncer reconciles one entity type for one care recipient. A pass is
// push-then-pull: local changes upload first so that the pull phase compares
// against fresh server timestamps, and records the push already settled are
// skipped on pull via the handled set.
//
// Individual record failures never abort the pass. Each failure is recorded
// in the result and the record is queued for retry, so one bad record cannot
// hold the rest of the dataset hostage.
type EntitySyncer struct {
	entityType  string
	recipientID string
	local       LocalStore
	remote      RemoteStore
	mapper      Mapper
	clock       Clock
	log         *slog.Logger
}

// NewEntitySyncer wires an EntitySyncer for one entity type.
func NewEntitySyncer(entityType, recipientID string, local LocalStore, remote RemoteStore, mapper Mapper, clock Clock, logger *slog.Logger) *EntitySyncer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &EntitySyncer{
		entityType:  entityType,
		recipientID: recipientID,
		local:       local,
		remote:      remote,
		mapper:      mapper,
		clock:       clock,
		log:         logger.With("entity_type", entityType),
	}
}

// Sync runs one reconciliation pass and reports what happened. The watermark
// advances to the pass start time unless the pass was cancelled or made no
// progress at all, so interrupted passes re-examine the same window next time.
func (s *EntitySyncer) Sync(ctx context.Context, mode Mode) Result {
	start := s.clock.Now()

	watermark, err := s.mapper.Watermark(ctx, s.recipientID, s.entityType)
	if err != nil {
		return failure(fmt.Errorf("reading watermark: %w", err))
	}

	var res Result
	handled := make(map[int64]bool)
	cancelled := false

	if mode != ModePull {
		cancelled = s.pushPhase(ctx, watermark, handled, &res)
	}
	if mode != ModePush && !cancelled {
		cancelled = s.pullPhase(ctx, mode, watermark, handled, &res)
	}

	if cancelled {
		res.Failed = append(res.Failed, RecordError{EntityType: s.entityType, Err: ctx.Err()})
	}

	progressed := res.Uploaded > 0 || res.Downloaded > 0
	switch {
	case len(res.Failed) == 0 && res.Err == nil:
		res.Status = StatusSuccess
	case progressed || cancelled:
		// An interrupted pass is partial: whatever settled stays settled,
		// and the rest is picked up next time.
		res.Status = StatusPartial
	default:
		res.Status = StatusFailure
	}

	// A cancelled pass never examined its whole window, so the watermark
	// must hold even though the result is partial.
	if res.Status != StatusFailure && !cancelled {
		if err := s.mapper.SetWatermark(ctx, s.recipientID, s.entityType, start); err != nil {
			// A stale watermark only causes re-examination next pass.
			s.log.Warn("failed to advance watermark", "error", err)
		}
	}

	s.log.Info("entity sync finished",
		"status", res.Status.String(),
		"uploaded", res.Uploaded,
		"downloaded", res.Downloaded,
		"conflicts", res.Conflicts,
		"failed", len(res.Failed))
	return res
}

// pushPhase uploads every dirty local record plus everything queued for
// retry from earlier passes. Returns true when the context was cancelled.
func (s *EntitySyncer) pushPhase(ctx context.Context, watermark time.Time, handled map[int64]bool, res *Result) bool {
	dirty, err := s.local.GetDirtySince(ctx, s.entityType, watermark)
	if err != nil {
		res.Err = fmt.Errorf("listing dirty records: %w", err)
		return false
	}

	pending, err := s.mapper.PendingRetries(ctx, s.entityType)
	if err != nil {
		res.Err = fmt.Errorf("listing retry queue: %w", err)
		return false
	}

	records := dirty
	seen := make(map[int64]bool, len(dirty))
	for _, rec := range dirty {
		seen[rec.LocalID] = true
	}
	for _, id := range pending {
		if seen[id] {
			continue
		}
		rec, err := s.local.Get(ctx, s.entityType, id)
		if err != nil {
			res.Failed = append(res.Failed, RecordError{EntityType: s.entityType, LocalID: id, Err: err})
			continue
		}
		if rec == nil {
			// The queued record no longer exists locally.
			_ = s.mapper.ClearRetry(ctx, s.entityType, id)
			continue
		}
		records = append(records, *rec)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return true
		}
		if err := s.pushRecord(ctx, rec, handled, res); err != nil {
			s.log.Warn("record push failed", "local_id", rec.LocalID, "error", err)
			res.Failed = append(res.Failed, RecordError{EntityType: s.entityType, LocalID: rec.LocalID, Err: err})
			if rerr := s.mapper.MarkRetry(ctx, s.entityType, rec.LocalID); rerr != nil {
				s.log.Warn("failed to queue record for retry", "local_id", rec.LocalID, "error", rerr)
			}
			continue
		}
		if err := s.mapper.ClearRetry(ctx, s.entityType, rec.LocalID); err != nil {
			s.log.Warn("failed to clear retry entry", "local_id", rec.LocalID, "error", err)
		}
	}
	return false
}

// pushRecord settles one local record against the remote store.
func (s *EntitySyncer) pushRecord(ctx context.Context, rec model.Record, handled map[int64]bool, res *Result) error {
	handled[rec.LocalID] = true

	m, err := s.mapper.Get(ctx, s.entityType, rec.LocalID)
	if err != nil {
		return err
	}

	if m == nil {
		if rec.Deleted {
			// Deleted before it was ever uploaded; nothing to reconcile.
			return s.local.Delete(ctx, s.entityType, rec.LocalID)
		}
		created, err := s.remote.Create(ctx, s.entityType, rec.Payload)
		if err != nil {
			return err
		}
		if err := s.mapper.Record(ctx, s.entityType, rec.LocalID, created.RemoteID, created.UpdatedAt); err != nil {
			return err
		}
		res.Uploaded++
		return nil
	}

	if m.IsDeleted {
		// Tombstoned: this identity pair is finished and must not resurrect.
		return nil
	}

	if rec.Deleted {
		if err := s.remote.Delete(ctx, s.entityType, m.RemoteID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := s.mapper.MarkDeleted(ctx, s.entityType, rec.LocalID); err != nil {
			return err
		}
		if err := s.local.Delete(ctx, s.entityType, rec.LocalID); err != nil {
			return err
		}
		res.Uploaded++
		return nil
	}

	remote, err := s.remote.Get(ctx, s.entityType, m.RemoteID)
	if errors.Is(err, model.ErrNotFound) {
		return s.applyRemoteDelete(ctx, rec.LocalID, res)
	}
	if err != nil {
		return err
	}
	if remote.Deleted {
		return s.applyRemoteDelete(ctx, rec.LocalID, res)
	}

	if !remote.UpdatedAt.After(m.LastSyncedAt) {
		// Remote untouched since the last sync; plain upload.
		return s.uploadRecord(ctx, rec, m.RemoteID, res)
	}

	resolution := Resolve(rec, *remote, m.LastSyncedAt)
	if resolution.WasConflict {
		res.Conflicts++
		s.log.Info("conflict resolved",
			"local_id", rec.LocalID,
			"remote_id", m.RemoteID,
			"winner", resolution.Winner.String())
	}
	if resolution.Winner == SideLocal {
		return s.uploadRecord(ctx, rec, m.RemoteID, res)
	}
	return s.downloadRecord(ctx, rec.LocalID, *remote, res)
}

// pullPhase applies remote changes that the push phase did not already
// settle. Returns true when the context was cancelled.
func (s *EntitySyncer) pullPhase(ctx context.Context, mode Mode, watermark time.Time, handled map[int64]bool, res *Result) bool {
	remotes, err := s.remote.GetUpdatedSince(ctx, s.entityType, watermark)
	if err != nil {
		res.Err = fmt.Errorf("listing remote changes: %w", err)
		return false
	}

	for _, rr := range remotes {
		if ctx.Err() != nil {
			return true
		}
		if err := s.pullRecord(ctx, mode, rr, handled, res); err != nil {
			s.log.Warn("record pull failed", "remote_id", rr.RemoteID, "error", err)
			res.Failed = append(res.Failed, RecordError{EntityType: s.entityType, Err: fmt.Errorf("remote %s: %w", rr.RemoteID, err)})
		}
	}
	return false
}

// pullRecord applies one remote change locally.
func (s *EntitySyncer) pullRecord(ctx context.Context, mode Mode, rr model.RemoteRecord, handled map[int64]bool, res *Result) error {
	m, err := s.mapper.GetByRemote(ctx, s.entityType, rr.RemoteID)
	if err != nil {
		return err
	}

	if m == nil {
		if rr.Deleted {
			// Delete marker for a document this replica never had.
			return nil
		}
		localID, err := s.local.Upsert(ctx, model.Record{
			EntityType: s.entityType,
			Payload:    rr.Payload,
			UpdatedAt:  rr.UpdatedAt,
		})
		if err != nil {
			return err
		}
		if err := s.mapper.Record(ctx, s.entityType, localID, rr.RemoteID, rr.UpdatedAt); err != nil {
			return err
		}
		res.Downloaded++
		return nil
	}

	if m.IsDeleted || handled[m.LocalID] {
		return nil
	}
	if rr.Deleted {
		return s.applyRemoteDelete(ctx, m.LocalID, res)
	}
	if !rr.UpdatedAt.After(m.LastSyncedAt) {
		// Already reconciled; nothing new on either side worth applying.
		return nil
	}

	rec, err := s.local.Get(ctx, s.entityType, m.LocalID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Local row vanished without a tombstone; restore from remote.
		restored := model.Record{LocalID: m.LocalID, EntityType: s.entityType, Payload: rr.Payload, UpdatedAt: rr.UpdatedAt}
		if _, err := s.local.Upsert(ctx, restored); err != nil {
			return err
		}
		if err := s.mapper.Record(ctx, s.entityType, m.LocalID, rr.RemoteID, rr.UpdatedAt); err != nil {
			return err
		}
		res.Downloaded++
		return nil
	}

	resolution := Resolve(*rec, rr, m.LastSyncedAt)
	if resolution.WasConflict {
		res.Conflicts++
		s.log.Info("conflict resolved",
			"local_id", m.LocalID,
			"remote_id", rr.RemoteID,
			"winner", resolution.Winner.String())
	}
	if resolution.Winner == SideLocal {
		if mode == ModePull {
			// Local edit wins but pull mode never uploads; it stays dirty
			// until the next push.
			return nil
		}
		return s.uploadRecord(ctx, *rec, rr.RemoteID, res)
	}
	return s.downloadRecord(ctx, m.LocalID, rr, res)
}

// uploadRecord overwrites the remote document with the local payload and
// refreshes the mapping with the server-assigned timestamp.
func (s *EntitySyncer) uploadRecord(ctx context.Context, rec model.Record, remoteID string, res *Result) error {
	updated, err := s.remote.Update(ctx, s.entityType, remoteID, rec.Payload)
	if err != nil {
		return err
	}
	if err := s.mapper.Record(ctx, s.entityType, rec.LocalID, updated.RemoteID, updated.UpdatedAt); err != nil {
		return err
	}
	res.Uploaded++
	return nil
}

// downloadRecord overwrites the local record with the remote payload.
func (s *EntitySyncer) downloadRecord(ctx context.Context, localID int64, rr model.RemoteRecord, res *Result) error {
	rec := model.Record{LocalID: localID, EntityType: s.entityType, Payload: rr.Payload, UpdatedAt: rr.UpdatedAt}
	if _, err := s.local.Upsert(ctx, rec); err != nil {
		return err
	}
	if err := s.mapper.Record(ctx, s.entityType, localID, rr.RemoteID, rr.UpdatedAt); err != nil {
		return err
	}
	res.Downloaded++
	return nil
}

// applyRemoteDelete tombstones the mapping and removes the local record.
func (s *EntitySyncer) applyRemoteDelete(ctx context.Context, localID int64, res *Result) error {
	if err := s.mapper.MarkDeleted(ctx, s.entityType, localID); err != nil {
		return err
	}
	if err := s.local.Delete(ctx, s.entityType, localID); err != nil {
		return err
	}
	res.Downloaded++
	return nil
}
