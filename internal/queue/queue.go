// Package queue implements the terminal-resident durable queue of offline
// transactions. Every completed business action lands here before it is
// considered done; the sync transport drains it whenever the head office is
// reachable.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/pkg/metrics"
)

// migrations returns the queue schema statements. SQLite executes one
// statement at a time.
func migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id              TEXT PRIMARY KEY,
			branch_id       TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			type            TEXT NOT NULL,
			event_ts        INTEGER NOT NULL,
			payload         BLOB NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			retry_count     INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status_ts ON sync_queue(status, event_ts)`,
	}
}

// Queue is the durable local queue, backed by a single SQLite file.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the queue database at path and runs the
// startup recovery pass: envelopes stuck in submitting from a crashed or
// cancelled cycle go back to pending. Resubmission is safe because the
// server is idempotent on envelope id.
func Open(path string, logger *slog.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// The queue is written from the enqueue path and the sync cycle
	// concurrently; a single connection serializes them at the driver.
	db.SetMaxOpenConns(1)

	for _, stmt := range migrations() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate queue schema: %w", err)
		}
	}

	q := &Queue{db: db, logger: logger}

	recovered, err := q.recoverSubmitting(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.Warn("Recovered in-flight envelopes from previous run", "count", recovered)
	}

	return q, nil
}

func (q *Queue) recoverSubmitting(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE status = ?`,
		models.StatusPending, models.StatusSubmitting,
	)
	if err != nil {
		return 0, fmt.Errorf("recover submitting records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Enqueue persists an envelope before returning. The caller must not treat
// the originating business action as complete until Enqueue succeeds.
// Re-enqueueing an id already present is a no-op returning the stored
// record.
func (q *Queue) Enqueue(ctx context.Context, env models.TransactionEnvelope) (models.QueueRecord, error) {
	if err := env.Validate(); err != nil {
		return models.QueueRecord{}, err
	}

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, branch_id, user_id, type, event_ts, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		env.ID, env.BranchID, env.UserID, string(env.Type),
		env.Timestamp.UnixNano(), []byte(env.Payload),
		models.StatusPending, now.UnixNano(),
	)
	if err != nil {
		return models.QueueRecord{}, fmt.Errorf("enqueue envelope %s: %w", env.ID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := q.Get(ctx, env.ID)
		if err != nil {
			return models.QueueRecord{}, err
		}
		return *existing, nil
	}

	return models.QueueRecord{
		Envelope:  env,
		Status:    models.StatusPending,
		CreatedAt: now,
	}, nil
}

const recordColumns = `id, branch_id, user_id, type, event_ts, payload, status, retry_count, last_error, next_attempt_at, created_at`

func scanRecord(row interface{ Scan(...any) error }) (models.QueueRecord, error) {
	var (
		rec           models.QueueRecord
		typ, status   string
		eventTS       int64
		nextAttemptAt int64
		createdAt     int64
		payload       []byte
	)
	err := row.Scan(
		&rec.Envelope.ID, &rec.Envelope.BranchID, &rec.Envelope.UserID,
		&typ, &eventTS, &payload, &status,
		&rec.RetryCount, &rec.LastError, &nextAttemptAt, &createdAt,
	)
	if err != nil {
		return rec, err
	}
	rec.Envelope.Type = models.EnvelopeType(typ)
	rec.Envelope.Timestamp = time.Unix(0, eventTS).UTC()
	rec.Envelope.Payload = payload
	rec.Status = models.QueueStatus(status)
	if nextAttemptAt > 0 {
		rec.NextAttemptAt = time.Unix(0, nextAttemptAt).UTC()
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return rec, nil
}

// Get returns the record for an envelope id, or nil if absent.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueueRecord, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM sync_queue WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue record %s: %w", id, err)
	}
	return &rec, nil
}

// ListPending returns undelivered records (pending or submitting) in event
// timestamp order, skipping records whose backoff schedule has not elapsed.
// limit <= 0 means no limit.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]models.QueueRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM sync_queue
		WHERE status IN (?, ?) AND next_attempt_at <= ?
		ORDER BY event_ts ASC`
	args := []any{models.StatusPending, models.StatusSubmitting, time.Now().UTC().UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var records []models.QueueRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkStatus moves a record to the given status. Completed records are kept
// for PurgeCompleted to remove; failed records are retained for operator
// review.
func (q *Queue) MarkStatus(ctx context.Context, id string, status models.QueueStatus, lastError string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, last_error = ? WHERE id = ?`,
		status, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("mark %s as %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue record %s not found", id)
	}
	return nil
}

// ScheduleRetry increments the retry counter, records the error, and puts
// the record back to pending with a next-attempt time. Returns the new
// retry count.
func (q *Queue) ScheduleRetry(ctx context.Context, id, lastError string, next time.Time) (int, error) {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ?`,
		models.StatusPending, lastError, next.UnixNano(), id,
	)
	if err != nil {
		return 0, fmt.Errorf("schedule retry for %s: %w", id, err)
	}

	var count int
	if err := q.db.QueryRowContext(ctx,
		`SELECT retry_count FROM sync_queue WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry count for %s: %w", id, err)
	}
	return count, nil
}

// Defer puts the record back to pending without consuming retry budget.
// Used for branch-level outages, which are environmental rather than a
// property of the envelope.
func (q *Queue) Defer(ctx context.Context, id, lastError string, next time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		models.StatusPending, lastError, next.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("defer %s: %w", id, err)
	}
	return nil
}

// Requeue resets a failed record for another round of automatic attempts.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, retry_count = 0, last_error = '', next_attempt_at = 0
		WHERE id = ? AND status = ?`,
		models.StatusPending, id, models.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no failed record %s to requeue", id)
	}
	return nil
}

// Discard removes a failed record permanently.
func (q *Queue) Discard(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id = ? AND status = ?`, id, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no failed record %s to discard", id)
	}
	return nil
}

// ListFailed returns dead-lettered records, oldest first, for the operator
// surface.
func (q *Queue) ListFailed(ctx context.Context) ([]models.QueueRecord, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM sync_queue WHERE status = ? ORDER BY event_ts ASC`,
		models.StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	defer rows.Close()

	var records []models.QueueRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeCompleted removes completed records older than the retention window.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixNano()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = ? AND created_at < ?`,
		models.StatusCompleted, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns the aggregate counts served by the agent status endpoint
// and refreshes the backlog gauges.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.QueueStats{}, err
		}
		switch models.QueueStatus(status) {
		case models.StatusPending, models.StatusSubmitting:
			stats.Pending += count
		case models.StatusFailed:
			stats.Failed += count
		case models.StatusCompleted:
			stats.Completed += count
		}
	}
	if err := rows.Err(); err != nil {
		return models.QueueStats{}, err
	}

	metrics.QueueBacklog.Set(float64(stats.Pending))
	metrics.DeadLetterSize.Set(float64(stats.Failed))
	return stats, nil
}

// Close shuts down the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}
