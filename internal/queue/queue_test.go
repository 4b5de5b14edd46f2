package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "possync.db")
	q, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, path
}

func testEnvelope(t *testing.T, ts time.Time) models.TransactionEnvelope {
	t.Helper()
	payload, _ := json.Marshal(models.ExpensePayload{Category: "fuel", AmountCents: 4200})
	env, err := models.NewEnvelope(models.TypeExpense, "branch-a", "user-1", json.RawMessage(payload))
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env.Timestamp = ts
	return env
}

func TestEnqueuePersistsAndLists(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	env := testEnvelope(t, time.Now().UTC())
	rec, err := q.Enqueue(ctx, env)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rec.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}

	pending, err := q.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending record, got %d", len(pending))
	}
	got := pending[0].Envelope
	if got.ID != env.ID || got.BranchID != env.BranchID || got.Type != env.Type {
		t.Errorf("round-tripped envelope differs: %+v", got)
	}
	if string(got.Payload) != string(env.Payload) {
		t.Errorf("payload changed in storage: %s", got.Payload)
	}
}

func TestEnqueueDuplicateIsNoop(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	env := testEnvelope(t, time.Now().UTC())
	if _, err := q.Enqueue(ctx, env); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.MarkStatus(ctx, env.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	// A duplicate must not resurrect or overwrite the stored record.
	rec, err := q.Enqueue(ctx, env)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if rec.Status != models.StatusCompleted {
		t.Errorf("duplicate enqueue returned status %s, want completed", rec.Status)
	}
}

func TestEnqueueRejectsInvalidEnvelope(t *testing.T) {
	q, _ := openTestQueue(t)

	env := testEnvelope(t, time.Now().UTC())
	env.BranchID = ""
	if _, err := q.Enqueue(context.Background(), env); !models.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestListPendingOrdersByEventTime(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// Enqueue out of order; listing must come back in event-time order.
	second := testEnvelope(t, base.Add(2*time.Minute))
	first := testEnvelope(t, base.Add(1*time.Minute))
	third := testEnvelope(t, base.Add(3*time.Minute))
	for _, env := range []models.TransactionEnvelope{second, third, first} {
		if _, err := q.Enqueue(ctx, env); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	pending, err := q.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	want := []string{first.ID, second.ID, third.ID}
	if len(pending) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(pending))
	}
	for i, id := range want {
		if pending[i].Envelope.ID != id {
			t.Errorf("position %d: got %s, want %s", i, pending[i].Envelope.ID, id)
		}
	}
}

func TestListPendingHonorsBackoffSchedule(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	env := testEnvelope(t, time.Now().UTC())
	if _, err := q.Enqueue(ctx, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	count, err := q.ScheduleRetry(ctx, env.ID, "connection refused", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	if count != 1 {
		t.Errorf("retry count = %d, want 1", count)
	}

	pending, err := q.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("record inside its backoff window should not be listed, got %d", len(pending))
	}

	// Once the schedule elapses the record is eligible again.
	if _, err := q.ScheduleRetry(ctx, env.ID, "connection refused", time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	pending, err = q.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 eligible record, got %d", len(pending))
	}
	if pending[0].RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", pending[0].RetryCount)
	}
	if pending[0].LastError != "connection refused" {
		t.Errorf("last error = %q", pending[0].LastError)
	}
}

func TestDeferKeepsRetryBudget(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	env := testEnvelope(t, time.Now().UTC())
	if _, err := q.Enqueue(ctx, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Defer(ctx, env.ID, "branch branch-a unavailable", time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("defer: %v", err)
	}

	rec, err := q.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.RetryCount != 0 {
		t.Errorf("defer consumed retry budget: count = %d", rec.RetryCount)
	}
	if rec.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
}

func TestRecoverSubmittingOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "possync.db")
	q, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	ctx := context.Background()

	env := testEnvelope(t, time.Now().UTC())
	if _, err := q.Enqueue(ctx, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkStatus(ctx, env.ID, models.StatusSubmitting, ""); err != nil {
		t.Fatalf("mark submitting: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening simulates a restart after a crash mid-cycle.
	q2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer q2.Close()

	rec, err := q2.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != models.StatusPending {
		t.Errorf("submitting record not recovered, status = %s", rec.Status)
	}
}

func TestRequeueAndDiscardFailed(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	failed := testEnvelope(t, time.Now().UTC())
	if _, err := q.Enqueue(ctx, failed); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkStatus(ctx, failed.ID, models.StatusFailed, "retry budget exhausted"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	dead, err := q.ListFailed(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(dead) != 1 || dead[0].Envelope.ID != failed.ID {
		t.Fatalf("dead letter list = %+v", dead)
	}

	if err := q.Requeue(ctx, failed.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	rec, err := q.Get(ctx, failed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != models.StatusPending || rec.RetryCount != 0 || rec.LastError != "" {
		t.Errorf("requeue did not reset record: %+v", rec)
	}

	// Requeue and Discard only act on failed records.
	if err := q.Requeue(ctx, failed.ID); err == nil {
		t.Error("requeue of a pending record should fail")
	}
	if err := q.Discard(ctx, failed.ID); err == nil {
		t.Error("discard of a pending record should fail")
	}

	if err := q.MarkStatus(ctx, failed.ID, models.StatusFailed, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := q.Discard(ctx, failed.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if rec, _ := q.Get(ctx, failed.ID); rec != nil {
		t.Error("discarded record still present")
	}
}

func TestPurgeCompleted(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	env := testEnvelope(t, time.Now().UTC())
	if _, err := q.Enqueue(ctx, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkStatus(ctx, env.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	// Inside the retention window: kept.
	n, err := q.PurgeCompleted(ctx, time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Errorf("purged %d records inside retention window", n)
	}

	// Zero retention: everything completed goes.
	n, err = q.PurgeCompleted(ctx, -time.Second)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d records, want 1", n)
	}
}

func TestStats(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, b, c := testEnvelope(t, now), testEnvelope(t, now), testEnvelope(t, now)
	for _, env := range []models.TransactionEnvelope{a, b, c} {
		if _, err := q.Enqueue(ctx, env); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := q.MarkStatus(ctx, b.ID, models.StatusFailed, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := q.MarkStatus(ctx, c.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Failed != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
