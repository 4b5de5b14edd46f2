// Package transport drives delivery of locally queued envelopes to the
// head office. It owns the sync cycle: ordered per-branch submission in
// bounded batches, outcome bookkeeping through the retry manager, and the
// polling loop with backoff between failed cycles.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/internal/retry"
	"github.com/pdvlabs/branchsync/pkg/infra"
)

// ErrCycleInFlight is returned when a sync cycle is requested while one is
// already running. Cycles never overlap on a terminal.
var ErrCycleInFlight = errors.New("sync cycle already in flight")

// completedRetention is how long confirmed envelopes linger before the
// post-cycle purge removes them.
const completedRetention = 24 * time.Hour

// maxChunkBytes bounds the estimated payload weight of one batch. A chunk
// is flushed early when the next envelope would push it past this, so a
// few oversized sale payloads cannot balloon a single HTTP request.
const maxChunkBytes = 1 << 20

// Submitter delivers one batch to the head office and reports per-item
// results. The production implementation speaks HTTP to syncd.
type Submitter interface {
	SubmitBatch(ctx context.Context, envs []models.TransactionEnvelope) (models.BatchResult, error)
}

// LocalQueue is the slice of the durable queue the transport reads.
type LocalQueue interface {
	ListPending(ctx context.Context, limit int) ([]models.QueueRecord, error)
	MarkStatus(ctx context.Context, id string, status models.QueueStatus, lastError string) error
	Defer(ctx context.Context, id, lastError string, next time.Time) error
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CycleReport summarizes one sync cycle for logging and tests.
type CycleReport struct {
	Submitted    int
	Completed    int
	Conflicted   int
	DeadLettered int
	Retried      int
	Deferred     int
}

// Transport runs sync cycles against a Submitter.
type Transport struct {
	queue     LocalQueue
	retry     *retry.Manager
	submitter Submitter
	batchSize int
	logger    *slog.Logger
	inFlight  atomic.Bool
}

func New(queue LocalQueue, rm *retry.Manager, submitter Submitter, batchSize int, logger *slog.Logger) *Transport {
	return &Transport{
		queue:     queue,
		retry:     rm,
		submitter: submitter,
		batchSize: batchSize,
		logger:    logger,
	}
}

// RunSyncCycle drains the pending queue once. Envelopes are submitted in
// ascending timestamp order; within one branch a later envelope is never
// submitted past an earlier one whose outcome is unknown: after the first
// transient or branch-level failure, the branch's remaining envelopes stay
// pending for the next cycle.
//
// Cancellation mid-cycle reverts submitting records to pending; the server
// is idempotent on envelope id, so resubmitting them later is safe.
func (t *Transport) RunSyncCycle(ctx context.Context) (CycleReport, error) {
	if !t.inFlight.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInFlight
	}
	defer t.inFlight.Store(false)

	start := time.Now()
	var report CycleReport

	records, err := t.queue.ListPending(ctx, 0)
	if err != nil {
		return report, fmt.Errorf("list pending: %w", err)
	}
	if len(records) == 0 {
		return report, nil
	}

	// Branches that already produced an unknown outcome this cycle.
	blocked := make(map[string]bool)

	// Chunks are bounded by count and by estimated payload weight.
	var chunk []models.QueueRecord
	chunkBytes := 0

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		err := t.submitChunk(ctx, chunk, blocked, &report)
		chunk = nil
		chunkBytes = 0
		return err
	}

	for _, rec := range records {
		if blocked[rec.Envelope.BranchID] {
			report.Deferred++
			continue
		}
		size := rec.Envelope.EstimateBytes()
		if len(chunk) > 0 && (len(chunk) >= t.batchSize || chunkBytes+size > maxChunkBytes) {
			if err := flush(); err != nil {
				t.logger.Warn("Sync cycle aborted",
					"submitted", report.Submitted,
					"error", err,
				)
				return report, err
			}
			// The flush may have blocked this record's branch.
			if blocked[rec.Envelope.BranchID] {
				report.Deferred++
				continue
			}
		}
		chunk = append(chunk, rec)
		chunkBytes += size
	}
	if err := flush(); err != nil {
		t.logger.Warn("Sync cycle aborted",
			"submitted", report.Submitted,
			"error", err,
		)
		return report, err
	}

	if purged, err := t.queue.PurgeCompleted(ctx, completedRetention); err != nil {
		t.logger.Warn("Failed to purge completed records", "error", err)
	} else if purged > 0 {
		t.logger.Debug("Purged confirmed envelopes", "count", purged)
	}

	t.logger.Info("Sync cycle finished",
		"submitted", report.Submitted,
		"completed", report.Completed,
		"conflicted", report.Conflicted,
		"retried", report.Retried,
		"deferred", report.Deferred,
		"dead_lettered", report.DeadLettered,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

func (t *Transport) submitChunk(ctx context.Context, chunk []models.QueueRecord, blocked map[string]bool, report *CycleReport) error {
	envs := make([]models.TransactionEnvelope, 0, len(chunk))
	for _, rec := range chunk {
		if err := t.queue.MarkStatus(ctx, rec.Envelope.ID, models.StatusSubmitting, ""); err != nil {
			return fmt.Errorf("mark submitting: %w", err)
		}
		envs = append(envs, rec.Envelope)
	}
	report.Submitted += len(envs)

	result, err := t.submitter.SubmitBatch(ctx, envs)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown or lost connectivity mid-cycle: the outcome of
			// these envelopes is unknown. Revert without burning budget.
			t.revert(chunk)
			return ctx.Err()
		}
		// The whole batch never reached the server: transient for every
		// envelope in it.
		for _, rec := range chunk {
			deadLettered, rerr := t.retry.RecordTransient(context.WithoutCancel(ctx), rec, err.Error())
			if rerr != nil {
				t.logger.Error("Failed to record transient failure", "envelope", rec.Envelope.ID, "error", rerr)
			}
			if deadLettered {
				report.DeadLettered++
			} else {
				report.Retried++
			}
		}
		return fmt.Errorf("batch submission failed: %w", err)
	}

	byID := make(map[string]models.BatchItemResult, len(result.Results))
	for _, item := range result.Results {
		byID[item.TransactionID] = item
	}

	for _, rec := range chunk {
		item, ok := byID[rec.Envelope.ID]
		if !ok {
			// Server did not mention this envelope; treat as unknown.
			item = models.BatchItemResult{Code: models.CodeSyncError, Error: "missing from batch response"}
		}
		if err := t.applyItem(ctx, rec, item, blocked, report); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) applyItem(ctx context.Context, rec models.QueueRecord, item models.BatchItemResult, blocked map[string]bool, report *CycleReport) error {
	branch := rec.Envelope.BranchID

	switch {
	case item.Success:
		if err := t.retry.RecordSuccess(ctx, rec.Envelope.ID); err != nil {
			return fmt.Errorf("record success: %w", err)
		}
		report.Completed++
		if item.Discrepancy {
			report.Conflicted++
		}

	case item.Code == models.CodeValidationError:
		// Permanent: no amount of retrying fixes a malformed envelope.
		if err := t.retry.RecordRejection(ctx, rec.Envelope.ID, item.Error); err != nil {
			return fmt.Errorf("record rejection: %w", err)
		}
		report.DeadLettered++

	case item.Code == models.CodeBranchUnavailable:
		if err := t.retry.RecordBranchDown(ctx, rec.Envelope.ID, item.Error); err != nil {
			return fmt.Errorf("record branch outage: %w", err)
		}
		blocked[branch] = true
		report.Deferred++

	case item.Code == models.CodeDeferred:
		// The server skipped this envelope behind a failed predecessor.
		// It was never attempted and keeps its full retry budget.
		if err := t.retry.RecordDeferred(ctx, rec.Envelope.ID, item.Error); err != nil {
			return fmt.Errorf("record deferral: %w", err)
		}
		blocked[branch] = true
		report.Deferred++

	default:
		deadLettered, err := t.retry.RecordTransient(ctx, rec, item.Error)
		if err != nil {
			return fmt.Errorf("record transient failure: %w", err)
		}
		blocked[branch] = true
		if deadLettered {
			report.DeadLettered++
		} else {
			report.Retried++
		}
	}
	return nil
}

// revert puts a chunk whose outcome is unknown back to pending. It uses a
// fresh context: the cycle's own context is already dead.
func (t *Transport) revert(chunk []models.QueueRecord) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, rec := range chunk {
		if err := t.queue.Defer(cleanupCtx, rec.Envelope.ID, "cycle cancelled", time.Now().UTC()); err != nil {
			t.logger.Error("CRITICAL: failed to revert envelope after cancellation",
				"envelope", rec.Envelope.ID, "error", err)
		}
	}
}

// Run polls RunSyncCycle until the context is cancelled, backing off after
// failed cycles and returning to the poll interval after clean ones.
func (t *Transport) Run(ctx context.Context, pollInterval time.Duration, backoff *infra.Backoff) {
	t.logger.Info("Sync transport started", "poll_interval", pollInterval)

	for {
		if _, err := t.RunSyncCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			wait := backoff.Next()
			t.logger.Error("Sync cycle failed, backing off", "retry_in", wait, "error", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		backoff.Reset()
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			t.logger.Info("Sync transport stopping")
			return
		}
	}
}
