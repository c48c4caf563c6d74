package caresync

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope        = "carenote-sync/caresync"
	spanSync         = "caresync.pass"
	metricUploaded   = "carenote.sync.records.uploaded"
	metricDownloaded = "carenote.sync.records.downloaded"
	metricConflicts  = "carenote.sync.conflicts"
	metricFailures   = "carenote.sync.record_failures"
)

// Engine wraps a [Coordinator] with the daemon lifecycle: a polling loop,
// a trace span per pass, and pass-level metrics. Create one with [NewEngine]
// and start it with [Engine.Run].
type Engine struct {
	coord        *Coordinator
	pollInterval time.Duration
	log          *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntUploaded   metric.Int64Counter
	cntDownloaded metric.Int64Counter
	cntConflicts  metric.Int64Counter
	cntFailures   metric.Int64Counter
}

// NewEngine creates an Engine polling at the given interval.
func NewEngine(coord *Coordinator, pollInterval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		coord:        coord,
		pollInterval: pollInterval,
		log:          logger,

		tracer:        tracer,
		cntUploaded:   mustCounter(metricUploaded, "Number of records uploaded during sync"),
		cntDownloaded: mustCounter(metricDownloaded, "Number of records downloaded during sync"),
		cntConflicts:  mustCounter(metricConflicts, "Number of conflict resolutions during sync"),
		cntFailures:   mustCounter(metricFailures, "Number of per-record sync failures"),
	}
}

// pass runs one coordinated sync pass, recording a trace span and metrics.
func (e *Engine) pass(ctx context.Context, mode Mode, opts Options) Result {
	ctx, span := e.tracer.Start(ctx, spanSync)
	defer span.End()

	res := e.coord.run(ctx, mode, opts, e.coord.entityTypes)

	if res.Uploaded > 0 {
		e.cntUploaded.Add(ctx, int64(res.Uploaded))
	}
	if res.Downloaded > 0 {
		e.cntDownloaded.Add(ctx, int64(res.Downloaded))
	}
	if res.Conflicts > 0 {
		e.cntConflicts.Add(ctx, int64(res.Conflicts))
	}
	if len(res.Failed) > 0 {
		e.cntFailures.Add(ctx, int64(len(res.Failed)))
	}

	span.SetAttributes(
		attribute.String("sync.status", res.Status.String()),
		attribute.Int("sync.uploaded", res.Uploaded),
		attribute.Int("sync.downloaded", res.Downloaded),
		attribute.Int("sync.conflicts", res.Conflicts),
		attribute.Int("sync.failed", len(res.Failed)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res
}

// RunOnce performs a single full sync pass and returns its result.
func (e *Engine) RunOnce(ctx context.Context, opts Options) Result {
	return e.pass(ctx, ModeBoth, opts)
}

// PushOnce performs a single push-only pass.
func (e *Engine) PushOnce(ctx context.Context, opts Options) Result {
	return e.pass(ctx, ModePush, opts)
}

// PullOnce performs a single pull-only pass.
func (e *Engine) PullOnce(ctx context.Context, opts Options) Result {
	return e.pass(ctx, ModePull, opts)
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Run an immediate first pass.
	if res := e.pass(ctx, ModeBoth, Options{}); res.Status == StatusFailure {
		e.log.Error("initial sync pass failed", "error", res.Err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if res := e.pass(ctx, ModeBoth, Options{}); res.Status == StatusFailure {
				e.log.Error("sync pass failed", "error", res.Err)
			}
		}
	}
}
