// Package retry owns every attempt-count decision for locally queued
// envelopes: backoff scheduling, the dead-letter promotion at the retry
// cap, and the operator's requeue/discard surface. Consolidating the policy
// here keeps it testable without any network in sight.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/pkg/infra"
)

// QueueStore is the slice of the local queue the manager drives.
type QueueStore interface {
	MarkStatus(ctx context.Context, id string, status models.QueueStatus, lastError string) error
	ScheduleRetry(ctx context.Context, id, lastError string, next time.Time) (int, error)
	Defer(ctx context.Context, id, lastError string, next time.Time) error
	Requeue(ctx context.Context, id string) error
	Discard(ctx context.Context, id string) error
	ListFailed(ctx context.Context) ([]models.QueueRecord, error)
}

// Manager applies the retry policy to attempt outcomes.
type Manager struct {
	queue      QueueStore
	backoff    *infra.Backoff
	maxRetries int
	logger     *slog.Logger
}

func New(queue QueueStore, maxRetries int, backoff *infra.Backoff, logger *slog.Logger) *Manager {
	return &Manager{
		queue:      queue,
		backoff:    backoff,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// RecordSuccess marks the envelope delivered.
func (m *Manager) RecordSuccess(ctx context.Context, id string) error {
	return m.queue.MarkStatus(ctx, id, models.StatusCompleted, "")
}

// RecordRejection dead-letters the envelope immediately: a validation
// rejection will fail identically on every future attempt.
func (m *Manager) RecordRejection(ctx context.Context, id, reason string) error {
	m.logger.Warn("Envelope permanently rejected, dead-lettering", "envelope", id, "reason", reason)
	return m.queue.MarkStatus(ctx, id, models.StatusFailed, reason)
}

// RecordTransient schedules another attempt with backoff, or promotes the
// envelope to failed once the retry budget is spent. Returns true when the
// envelope was dead-lettered.
func (m *Manager) RecordTransient(ctx context.Context, rec models.QueueRecord, reason string) (bool, error) {
	next := time.Now().UTC().Add(m.backoff.DelayFor(rec.RetryCount))
	count, err := m.queue.ScheduleRetry(ctx, rec.Envelope.ID, reason, next)
	if err != nil {
		return false, err
	}

	if count >= m.maxRetries {
		m.logger.Warn("Retry budget exhausted, dead-lettering",
			"envelope", rec.Envelope.ID, "attempts", count, "reason", reason)
		if err := m.queue.MarkStatus(ctx, rec.Envelope.ID, models.StatusFailed, reason); err != nil {
			return false, err
		}
		return true, nil
	}

	m.logger.Info("Transient failure, retry scheduled",
		"envelope", rec.Envelope.ID, "attempt", count, "next_attempt", next, "reason", reason)
	return false, nil
}

// RecordBranchDown defers the envelope without touching its retry budget:
// the branch being unreachable says nothing about this envelope.
func (m *Manager) RecordBranchDown(ctx context.Context, id, reason string) error {
	next := time.Now().UTC().Add(m.backoff.DelayFor(0))
	m.logger.Info("Branch unavailable, envelope deferred", "envelope", id, "next_attempt", next)
	return m.queue.Defer(ctx, id, reason, next)
}

// RecordDeferred handles an envelope the server skipped because an earlier
// envelope of the same branch failed. It was never attempted, so its retry
// budget stays intact; it simply waits for the next cycle.
func (m *Manager) RecordDeferred(ctx context.Context, id, reason string) error {
	next := time.Now().UTC().Add(m.backoff.DelayFor(0))
	m.logger.Info("Envelope deferred behind failed predecessor", "envelope", id, "next_attempt", next)
	return m.queue.Defer(ctx, id, reason, next)
}

// ListFailed exposes dead-lettered envelopes to operators.
func (m *Manager) ListFailed(ctx context.Context) ([]models.QueueRecord, error) {
	return m.queue.ListFailed(ctx)
}

// Resubmit gives a dead-lettered envelope a fresh retry budget.
func (m *Manager) Resubmit(ctx context.Context, id string) error {
	if err := m.queue.Requeue(ctx, id); err != nil {
		return fmt.Errorf("resubmit %s: %w", id, err)
	}
	m.logger.Info("Dead-lettered envelope resubmitted by operator", "envelope", id)
	return nil
}

// DiscardFailed drops a dead-lettered envelope permanently.
func (m *Manager) DiscardFailed(ctx context.Context, id string) error {
	if err := m.queue.Discard(ctx, id); err != nil {
		return err
	}
	m.logger.Warn("Dead-lettered envelope discarded by operator", "envelope", id)
	return nil
}
