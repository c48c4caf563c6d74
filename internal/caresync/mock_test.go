package caresync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kazu-apps/carenote-sync/internal/mapping"
	"github.com/kazu-apps/carenote-sync/internal/model"
)

// fakeLocal is an in-memory LocalStore.
type fakeLocal struct {
	mu     sync.Mutex
	recs   map[string]map[int64]model.Record
	nextID int64

	dirtyErr  error
	upsertErr error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{recs: make(map[string]map[int64]model.Record)}
}

// add seeds a record and returns its assigned id.
func (f *fakeLocal) add(rec model.Record) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.LocalID = f.nextID
	if f.recs[rec.EntityType] == nil {
		f.recs[rec.EntityType] = make(map[int64]model.Record)
	}
	f.recs[rec.EntityType][rec.LocalID] = rec
	return rec.LocalID
}

func (f *fakeLocal) GetDirtySince(_ context.Context, entityType string, ts time.Time) ([]model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirtyErr != nil {
		return nil, f.dirtyErr
	}
	var out []model.Record
	for _, rec := range f.recs[entityType] {
		if rec.UpdatedAt.After(ts) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeLocal) Get(_ context.Context, entityType string, localID int64) (*model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[entityType][localID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeLocal) Upsert(_ context.Context, rec model.Record) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	if rec.LocalID == 0 {
		f.nextID++
		rec.LocalID = f.nextID
	}
	if f.recs[rec.EntityType] == nil {
		f.recs[rec.EntityType] = make(map[int64]model.Record)
	}
	f.recs[rec.EntityType][rec.LocalID] = rec
	return rec.LocalID, nil
}

func (f *fakeLocal) Delete(_ context.Context, entityType string, localID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs[entityType], localID)
	return nil
}

func (f *fakeLocal) get(entityType string, localID int64) (model.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[entityType][localID]
	return rec, ok
}

func (f *fakeLocal) count(entityType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs[entityType])
}

// fakeRemote is an in-memory RemoteStore. Deleted documents stay behind as
// markers with an advanced timestamp, matching how the server reports
// deletions through updated-since listings.
type fakeRemote struct {
	mu     sync.Mutex
	docs   map[string]map[string]model.RemoteRecord
	nextID int
	now    time.Time

	createErr func(payload json.RawMessage) error
	updateErr func(remoteID string) error
	listErr   error
	listGate  chan struct{}

	calls map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:  make(map[string]map[string]model.RemoteRecord),
		now:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		calls: make(map[string]int),
	}
}

// add seeds a document with the given timestamp and returns its id.
func (f *fakeRemote) add(entityType string, payload json.RawMessage, ts time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("doc-%d", f.nextID)
	if f.docs[entityType] == nil {
		f.docs[entityType] = make(map[string]model.RemoteRecord)
	}
	f.docs[entityType][id] = model.RemoteRecord{RemoteID: id, EntityType: entityType, Payload: payload, UpdatedAt: ts}
	return id
}

func (f *fakeRemote) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *fakeRemote) GetUpdatedSince(ctx context.Context, entityType string, ts time.Time) ([]model.RemoteRecord, error) {
	f.mu.Lock()
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.RemoteRecord
	for _, d := range f.docs[entityType] {
		if d.UpdatedAt.After(ts) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRemote) Get(_ context.Context, entityType, remoteID string) (*model.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get"]++
	d, ok := f.docs[entityType][remoteID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &d, nil
}

func (f *fakeRemote) Create(_ context.Context, entityType string, payload json.RawMessage) (*model.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	if f.createErr != nil {
		if err := f.createErr(payload); err != nil {
			return nil, err
		}
	}
	f.nextID++
	id := fmt.Sprintf("doc-%d", f.nextID)
	d := model.RemoteRecord{RemoteID: id, EntityType: entityType, Payload: payload, UpdatedAt: f.tick()}
	if f.docs[entityType] == nil {
		f.docs[entityType] = make(map[string]model.RemoteRecord)
	}
	f.docs[entityType][id] = d
	return &d, nil
}

func (f *fakeRemote) Update(_ context.Context, entityType, remoteID string, payload json.RawMessage) (*model.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update"]++
	if f.updateErr != nil {
		if err := f.updateErr(remoteID); err != nil {
			return nil, err
		}
	}
	d, ok := f.docs[entityType][remoteID]
	if !ok {
		return nil, model.ErrNotFound
	}
	d.Payload = payload
	d.UpdatedAt = f.tick()
	d.Deleted = false
	f.docs[entityType][remoteID] = d
	return &d, nil
}

func (f *fakeRemote) Delete(_ context.Context, entityType, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	d, ok := f.docs[entityType][remoteID]
	if !ok {
		return model.ErrNotFound
	}
	d.Deleted = true
	d.Payload = nil
	d.UpdatedAt = f.tick()
	f.docs[entityType][remoteID] = d
	return nil
}

// markDeleted seeds a delete marker for an existing document.
func (f *fakeRemote) markDeleted(entityType, remoteID string, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[entityType] == nil {
		f.docs[entityType] = make(map[string]model.RemoteRecord)
	}
	d := f.docs[entityType][remoteID]
	d.RemoteID = remoteID
	d.EntityType = entityType
	d.Deleted = true
	d.Payload = nil
	d.UpdatedAt = ts
	f.docs[entityType][remoteID] = d
}

func (f *fakeRemote) doc(entityType, remoteID string) (model.RemoteRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[entityType][remoteID]
	return d, ok
}

func (f *fakeRemote) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// fakeMapper is an in-memory Mapper.
type fakeMapper struct {
	mu         sync.Mutex
	byLocal    map[string]map[int64]mapping.Mapping
	watermarks map[string]time.Time
	retries    map[string]map[int64]bool

	watermarkErr error
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		byLocal:    make(map[string]map[int64]mapping.Mapping),
		watermarks: make(map[string]time.Time),
		retries:    make(map[string]map[int64]bool),
	}
}

func (f *fakeMapper) Get(_ context.Context, entityType string, localID int64) (*mapping.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byLocal[entityType][localID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *fakeMapper) GetByRemote(_ context.Context, entityType, remoteID string) (*mapping.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byLocal[entityType] {
		if m.RemoteID == remoteID {
			return &m, nil
		}
	}
	return nil, nil
}

func (f *fakeMapper) ResolveRemote(ctx context.Context, entityType string, localID int64) (string, bool, error) {
	m, err := f.Get(ctx, entityType, localID)
	if err != nil || m == nil {
		return "", false, err
	}
	return m.RemoteID, true, nil
}

func (f *fakeMapper) ResolveLocal(ctx context.Context, entityType, remoteID string) (int64, bool, error) {
	m, err := f.GetByRemote(ctx, entityType, remoteID)
	if err != nil || m == nil {
		return 0, false, err
	}
	return m.LocalID, true, nil
}

func (f *fakeMapper) Record(_ context.Context, entityType string, localID int64, remoteID string, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byLocal[entityType] {
		if m.RemoteID == remoteID && m.LocalID != localID {
			return model.ErrMappingConflict
		}
	}
	if f.byLocal[entityType] == nil {
		f.byLocal[entityType] = make(map[int64]mapping.Mapping)
	}
	f.byLocal[entityType][localID] = mapping.Mapping{
		EntityType:   entityType,
		LocalID:      localID,
		RemoteID:     remoteID,
		LastSyncedAt: syncedAt,
	}
	return nil
}

func (f *fakeMapper) MarkDeleted(_ context.Context, entityType string, localID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byLocal[entityType][localID]
	if !ok {
		return model.ErrNotFound
	}
	m.IsDeleted = true
	f.byLocal[entityType][localID] = m
	return nil
}

func (f *fakeMapper) ChangedSince(_ context.Context, entityType string, ts time.Time) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id, m := range f.byLocal[entityType] {
		if m.LastSyncedAt.After(ts) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeMapper) Watermark(_ context.Context, recipientID, entityType string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watermarkErr != nil {
		return time.Time{}, f.watermarkErr
	}
	return f.watermarks[recipientID+"|"+entityType], nil
}

func (f *fakeMapper) SetWatermark(_ context.Context, recipientID, entityType string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks[recipientID+"|"+entityType] = ts
	return nil
}

func (f *fakeMapper) LastSyncTime(_ context.Context, recipientID string, entityTypes []string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var min time.Time
	for i, et := range entityTypes {
		ts, ok := f.watermarks[recipientID+"|"+et]
		if !ok {
			return time.Time{}, nil
		}
		if i == 0 || ts.Before(min) {
			min = ts
		}
	}
	return min, nil
}

func (f *fakeMapper) MarkRetry(_ context.Context, entityType string, localID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retries[entityType] == nil {
		f.retries[entityType] = make(map[int64]bool)
	}
	f.retries[entityType][localID] = true
	return nil
}

func (f *fakeMapper) PendingRetries(_ context.Context, entityType string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id := range f.retries[entityType] {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeMapper) ClearRetry(_ context.Context, entityType string, localID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.retries[entityType], localID)
	return nil
}

func (f *fakeMapper) tombstoned(entityType string, localID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byLocal[entityType][localID]
	return ok && m.IsDeleted
}

func (f *fakeMapper) retryQueued(entityType string, localID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries[entityType][localID]
}

func (f *fakeMapper) watermark(recipientID, entityType string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermarks[recipientID+"|"+entityType]
}

// fakeClock returns a pinned time and can be advanced by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// fakeProbe reports a fixed connectivity answer.
type fakeProbe struct{ online bool }

func (f *fakeProbe) IsOnline(context.Context) bool { return f.online }
