package caresync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kazu-apps/carenote-sync/internal/model"
)

const defaultWorkers = 4

// CoordinatorConfig carries the collaborators of a [Coordinator].
type CoordinatorConfig struct {
	// RecipientID is the remote care recipient whose data is synchronized.
	RecipientID string
	// EntityTypes lists the entity types to cover, in no particular order.
	EntityTypes []string
	// Workers bounds how many entity types sync concurrently. Defaults to 4.
	Workers int

	Local  LocalStore
	Remote RemoteStore
	Mapper Mapper
	// Probe is consulted before a pass starts; nil skips the check.
	Probe ConnectivityProbe
	// Clock defaults to the system clock.
	Clock Clock
	// Publisher receives state transitions. Defaults to a fresh Publisher.
	Publisher *Publisher

	Logger *slog.Logger
}

// Coordinator runs full sync passes for one care recipient. Passes for the
// same recipient are serialized: while one is running, concurrent requests
// either wait for its result or fail fast with [model.ErrSyncInProgress].
// Entity types within a pass run concurrently up to the worker bound.
type Coordinator struct {
	recipientID string
	entityTypes []string
	workers     int
	local       LocalStore
	remote      RemoteStore
	mapper      Mapper
	probe       ConnectivityProbe
	clock       Clock
	pub         *Publisher
	log         *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightRun
}

// inflightRun lets late callers of a serialized pass wait for its result.
type inflightRun struct {
	done   chan struct{}
	result Result
}

// Options tunes one sync request.
type Options struct {
	// Wait makes a request that collides with a running pass block until
	// that pass finishes and return its result, instead of failing with
	// [model.ErrSyncInProgress].
	Wait bool
}

// NewCoordinator validates the config and builds a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.RecipientID == "" {
		return nil, fmt.Errorf("care recipient id is required")
	}
	if len(cfg.EntityTypes) == 0 {
		return nil, fmt.Errorf("at least one entity type is required")
	}
	for _, et := range cfg.EntityTypes {
		if !model.IsSyncableEntityType(et) {
			return nil, fmt.Errorf("unknown entity type %q", et)
		}
	}
	if cfg.Local == nil || cfg.Remote == nil || cfg.Mapper == nil {
		return nil, fmt.Errorf("local store, remote store, and mapper are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = NewPublisher()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		recipientID: cfg.RecipientID,
		entityTypes: cfg.EntityTypes,
		workers:     cfg.Workers,
		local:       cfg.Local,
		remote:      cfg.Remote,
		mapper:      cfg.Mapper,
		probe:       cfg.Probe,
		clock:       cfg.Clock,
		pub:         cfg.Publisher,
		log:         cfg.Logger.With("care_recipient", cfg.RecipientID),
	}, nil
}

// States returns the publisher carrying this coordinator's state stream.
func (c *Coordinator) States() *Publisher { return c.pub }

// Sync runs a full push-then-pull pass over all configured entity types.
func (c *Coordinator) Sync(ctx context.Context, opts Options) Result {
	return c.run(ctx, ModeBoth, opts, c.entityTypes)
}

// SyncEntityType runs a pass over exactly one entity type, for targeted
// retries of previously failed records. It takes the same single-flight slot
// as a full pass.
func (c *Coordinator) SyncEntityType(ctx context.Context, entityType string, opts Options) Result {
	if !model.IsSyncableEntityType(entityType) {
		return failure(fmt.Errorf("unknown entity type %q: %w", entityType, model.ErrValidation))
	}
	return c.run(ctx, ModeBoth, opts, []string{entityType})
}

// PushLocalChanges uploads local changes without pulling.
func (c *Coordinator) PushLocalChanges(ctx context.Context, opts Options) Result {
	return c.run(ctx, ModePush, opts, c.entityTypes)
}

// PullRemoteChanges downloads remote changes without pushing.
func (c *Coordinator) PullRemoteChanges(ctx context.Context, opts Options) Result {
	return c.run(ctx, ModePull, opts, c.entityTypes)
}

// LastSyncTime returns the oldest completed-sync time across the configured
// entity types, or the zero time when any of them has never synchronized.
func (c *Coordinator) LastSyncTime(ctx context.Context) (time.Time, error) {
	return c.mapper.LastSyncTime(ctx, c.recipientID, c.entityTypes)
}

func (c *Coordinator) run(ctx context.Context, mode Mode, opts Options, entityTypes []string) Result {
	run, owner := c.acquire()
	if !owner {
		if !opts.Wait {
			return failure(fmt.Errorf("care recipient %s: %w", c.recipientID, model.ErrSyncInProgress))
		}
		select {
		case <-run.done:
			return run.result
		case <-ctx.Done():
			return failure(ctx.Err())
		}
	}

	result := c.execute(ctx, mode, entityTypes)

	c.mu.Lock()
	run.result = result
	delete(c.inflight, c.recipientID)
	c.mu.Unlock()
	close(run.done)
	return result
}

// acquire registers this call as the pass owner, or returns the already
// running pass with owner=false.
func (c *Coordinator) acquire() (*inflightRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil {
		c.inflight = make(map[string]*inflightRun)
	}
	if run, ok := c.inflight[c.recipientID]; ok {
		return run, false
	}
	run := &inflightRun{done: make(chan struct{})}
	c.inflight[c.recipientID] = run
	return run, true
}

func (c *Coordinator) execute(ctx context.Context, mode Mode, entityTypes []string) Result {
	if c.probe != nil && !c.probe.IsOnline(ctx) {
		err := fmt.Errorf("care service unreachable: %w", model.ErrNetwork)
		c.pub.Publish(ErrorState(err, true))
		return failure(err)
	}

	if s, err := SyncingState(0, ""); err == nil {
		c.pub.Publish(s)
	}

	total := len(entityTypes)
	results := make([]Result, total)
	var completed int
	var progressMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, entityType := range entityTypes {
		i, entityType := i, entityType
		g.Go(func() error {
			syncer := NewEntitySyncer(entityType, c.recipientID, c.local, c.remote, c.mapper, c.clock, c.log)
			results[i] = syncer.Sync(gctx, mode)

			// Publish is non-blocking, so holding the lock keeps the
			// published fractions monotonically increasing.
			progressMu.Lock()
			completed++
			frac := float64(completed) / float64(total)
			if s, err := SyncingState(frac, entityType); err == nil {
				c.pub.Publish(s)
			}
			progressMu.Unlock()
			// Failures are carried in the result, never as a group error,
			// so one entity type cannot cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	agg := Aggregate(results)
	c.publishOutcome(agg)
	return agg
}

// publishOutcome converts an aggregated result into the terminal state.
func (c *Coordinator) publishOutcome(res Result) {
	switch res.Status {
	case StatusSuccess:
		c.pub.Publish(SuccessState(c.clock.Now()))
	default:
		err := res.Err
		if err == nil && len(res.Failed) > 0 {
			err = fmt.Errorf("%d records failed to sync, first: %w", len(res.Failed), res.Failed[0])
		}
		retryable := true
		if res.Err != nil && !model.Retryable(res.Err) {
			retryable = false
		}
		c.pub.Publish(ErrorState(err, retryable))
	}
	c.log.Info("sync pass finished", "result", res.String())
}
