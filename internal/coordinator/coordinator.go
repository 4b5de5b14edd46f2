// Package coordinator is the server-side entry point of the sync engine.
// It deduplicates envelopes by idempotency key, routes them to the owning
// branch database, applies them through the matching domain handler inside
// one storage transaction, and records the outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/internal/resolver"
	"github.com/pdvlabs/branchsync/internal/router"
	"github.com/pdvlabs/branchsync/pkg/metrics"
)

// BranchResolver is the router seam. Tests plug in-memory stores here.
type BranchResolver interface {
	Resolve(ctx context.Context, branchID string) (router.BranchStore, error)
}

// EventPublisher delivers discrepancy and dead-letter events for manager
// review. Delivery is best-effort: sync must keep working with the broker
// down.
type EventPublisher interface {
	PublishDiscrepancy(ctx context.Context, ev models.DiscrepancyEvent) error
	PublishDeadLetter(ctx context.Context, env models.TransactionEnvelope, reason string) error
	IsHealthy() bool
}

// Stats are the aggregate counters behind GET /sync/status.
type Stats struct {
	Applied    uint64    `json:"applied"`
	Conflicted uint64    `json:"conflicted"`
	Rejected   uint64    `json:"rejected"`
	Deferred   uint64    `json:"deferred"`
	Duplicates uint64    `json:"duplicates"`
	Since      time.Time `json:"since"`
}

// Coordinator applies envelopes to branch databases. Safe for concurrent
// use; branches are independent and share no locks.
type Coordinator struct {
	branches BranchResolver
	resolver *resolver.Resolver
	events   EventPublisher
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func New(branches BranchResolver, res *resolver.Resolver, events EventPublisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		branches: branches,
		resolver: res,
		events:   events,
		logger:   logger,
		stats:    Stats{Since: time.Now().UTC()},
	}
}

// errOutcomeRace aborts the branch transaction when a concurrent
// application of the same envelope committed its outcome first.
var errOutcomeRace = errors.New("lost idempotency race")

// ApplyEnvelope applies one envelope. The returned outcome is terminal:
// applied, conflicted (applied with a discrepancy), or rejected (permanent,
// never retried). A non-nil error is transient or a branch outage and may
// be retried by the caller.
func (c *Coordinator) ApplyEnvelope(ctx context.Context, env models.TransactionEnvelope) (models.SyncOutcome, error) {
	l := c.logger.With(
		"envelope", env.ID,
		"branch", env.BranchID,
		"type", env.Type,
	)

	if err := env.Validate(); err != nil {
		l.Error("Envelope failed validation", "error", err)
		return c.reject(ctx, env, err), nil
	}

	store, err := c.branches.Resolve(ctx, env.BranchID)
	if err != nil {
		if models.IsValidation(err) {
			return c.reject(ctx, env, err), nil
		}
		return models.SyncOutcome{}, err
	}

	// Idempotency fast path: an envelope already applied to this branch
	// returns its stored outcome unchanged, before any lock is taken.
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	prior, err := store.Outcome(checkCtx, env.ID)
	cancel()
	if err != nil {
		return models.SyncOutcome{}, models.Transient(fmt.Errorf("idempotency check: %w", err))
	}
	if prior != nil {
		l.Info("Duplicate submission, returning prior outcome", "result", prior.Result)
		c.bump(func(s *Stats) { s.Duplicates++ })
		return *prior, nil
	}

	// Lock-conflict retry loop. Branch engines under concurrent writers
	// (Firebird especially) throw transient lock errors worth a quick
	// in-process retry before bouncing the envelope back to the client.
	const maxAttempts = 3
	var outcome models.SyncOutcome
	var events []models.DiscrepancyEvent
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		txCtx, txCancel := context.WithTimeout(ctx, 15*time.Second)
		outcome, events, err = c.applyOnce(txCtx, store, env)
		txCancel()

		if err == nil {
			break
		}
		if errors.Is(err, errOutcomeRace) {
			// Someone else committed this envelope between our check
			// and our insert. Their outcome is the outcome.
			prior, perr := store.Outcome(ctx, env.ID)
			if perr == nil && prior != nil {
				c.bump(func(s *Stats) { s.Duplicates++ })
				return *prior, nil
			}
			return models.SyncOutcome{}, models.Transient(err)
		}
		if models.IsValidation(err) {
			l.Error("Envelope rejected by domain handler", "error", err)
			return c.reject(ctx, env, err), nil
		}
		if isLockConflict(err) && attempt < maxAttempts {
			lastErr = err
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			l.Warn("Branch lock contention, retrying in-process",
				"attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return models.SyncOutcome{}, models.Transient(ctx.Err())
			}
		}
		return models.SyncOutcome{}, models.Transient(err)
	}
	if err != nil {
		return models.SyncOutcome{}, models.Transient(fmt.Errorf("lock contention persisted after %d attempts: %w", maxAttempts, lastErr))
	}

	c.record(outcome, env)
	c.publish(ctx, events)
	l.Info("Envelope applied", "result", outcome.Result, "entity", outcome.EntityID)
	return outcome, nil
}

// applyOnce runs one attempt of the envelope inside a single branch
// transaction: domain handler, then the outcome row, then commit.
func (c *Coordinator) applyOnce(ctx context.Context, store router.BranchStore, env models.TransactionEnvelope) (models.SyncOutcome, []models.DiscrepancyEvent, error) {
	var outcome models.SyncOutcome
	var events []models.DiscrepancyEvent

	err := store.WithTx(ctx, func(tx router.BranchTx) error {
		entityID, apps, err := c.dispatch(ctx, tx, env)
		if err != nil {
			return err
		}

		result := models.ResultApplied
		discrepancy := false
		for _, a := range apps {
			if a.Discrepancy {
				result = models.ResultConflicted
				discrepancy = true
			}
			if a.Event != nil {
				events = append(events, *a.Event)
			}
		}

		outcome = models.SyncOutcome{
			EnvelopeID:  env.ID,
			BranchID:    env.BranchID,
			Result:      result,
			EntityID:    entityID,
			Discrepancy: discrepancy,
			AppliedAt:   time.Now().UTC(),
		}

		if err := tx.RecordOutcome(ctx, outcome); err != nil {
			if errors.Is(err, router.ErrDuplicateOutcome) {
				return errOutcomeRace
			}
			return err
		}
		return nil
	})
	if err != nil {
		return models.SyncOutcome{}, nil, err
	}
	return outcome, events, nil
}

func (c *Coordinator) reject(ctx context.Context, env models.TransactionEnvelope, cause error) models.SyncOutcome {
	outcome := models.SyncOutcome{
		EnvelopeID: env.ID,
		BranchID:   env.BranchID,
		Result:     models.ResultRejected,
		Error:      cause.Error(),
		AppliedAt:  time.Now().UTC(),
	}
	c.record(outcome, env)

	// Rejections are terminal for the envelope, so they surface to
	// operators the same way dead letters do. Best-effort, like every
	// broker interaction.
	if c.events != nil {
		if err := c.events.PublishDeadLetter(ctx, env, cause.Error()); err != nil {
			c.logger.Warn("Failed to publish dead-letter event",
				"envelope", env.ID, "branch", env.BranchID, "error", err)
		}
	}
	return outcome
}

func (c *Coordinator) record(o models.SyncOutcome, env models.TransactionEnvelope) {
	metrics.EnvelopesProcessed.WithLabelValues(string(o.Result), o.BranchID, string(env.Type)).Inc()
	c.bump(func(s *Stats) {
		switch o.Result {
		case models.ResultApplied:
			s.Applied++
		case models.ResultConflicted:
			s.Conflicted++
		case models.ResultRejected:
			s.Rejected++
		}
	})
}

func (c *Coordinator) publish(ctx context.Context, events []models.DiscrepancyEvent) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		metrics.Discrepancies.WithLabelValues(ev.BranchID).Inc()
		if c.events == nil {
			continue
		}
		if err := c.events.PublishDiscrepancy(ctx, ev); err != nil {
			// Best-effort: the discrepancy flag is already durable in
			// the branch database.
			c.logger.Warn("Failed to publish discrepancy event",
				"branch", ev.BranchID, "product", ev.ProductID, "error", err)
		}
	}
}

func (c *Coordinator) bump(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// Stats returns a snapshot of the aggregate counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// isLockConflict detects engine concurrency errors worth an in-process
// retry.
func isLockConflict(err error) bool {
	if router.IsFirebirdLockConflict(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "serialization") || strings.Contains(msg, "database is locked")
}
