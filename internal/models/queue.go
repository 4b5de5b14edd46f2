package models

import "time"

// QueueStatus is the lifecycle state of a locally queued envelope.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusSubmitting QueueStatus = "submitting"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// QueueRecord wraps an envelope with its local delivery state. Exactly one
// record exists per envelope id on a given terminal.
type QueueRecord struct {
	Envelope      TransactionEnvelope
	Status        QueueStatus
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// Due reports whether the record is eligible for submission at now,
// honoring its backoff schedule.
func (r QueueRecord) Due(now time.Time) bool {
	return r.NextAttemptAt.IsZero() || !now.Before(r.NextAttemptAt)
}

// QueueStats is the aggregate view served by the agent's status endpoint.
type QueueStats struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}
