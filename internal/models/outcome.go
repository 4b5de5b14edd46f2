package models

import "time"

// OutcomeResult is the terminal result of applying one envelope.
type OutcomeResult string

const (
	ResultApplied    OutcomeResult = "applied"
	ResultConflicted OutcomeResult = "conflicted"
	ResultRejected   OutcomeResult = "rejected"
)

// SyncOutcome records the result of applying an envelope to a branch
// database. Applied and conflicted outcomes are persisted in the branch's
// sync_outcomes table, which doubles as the idempotency ledger: at most one
// such row exists per envelope id, and a re-submission returns it unchanged.
//
// Rejected outcomes are returned to the caller but never persisted; the
// branch transaction that produced them was rolled back.
type SyncOutcome struct {
	EnvelopeID  string        `json:"transactionId"`
	BranchID    string        `json:"branchId"`
	Result      OutcomeResult `json:"result"`
	EntityID    string        `json:"entityId,omitempty"`
	Discrepancy bool          `json:"discrepancy,omitempty"`
	Error       string        `json:"error,omitempty"`
	AppliedAt   time.Time     `json:"appliedAt"`
}

// Applied reports whether the outcome represents a successful write
// (conflicted counts: the write succeeded, the state was flagged).
func (o SyncOutcome) Applied() bool {
	return o.Result == ResultApplied || o.Result == ResultConflicted
}

// InventoryMovement is the audit row appended for every stock delta.
type InventoryMovement struct {
	ProductID   string
	EnvelopeID  string
	UserID      string
	Delta       int64
	LevelBefore int64
	LevelAfter  int64
	Reason      string
	CreatedAt   time.Time
}

// DiscrepancyEvent is published for manager review whenever conflict
// resolution leaves a product in a semantically invalid state.
type DiscrepancyEvent struct {
	BranchID    string    `json:"branchId"`
	ProductID   string    `json:"productId"`
	ProductName string    `json:"productName,omitempty"`
	EnvelopeID  string    `json:"envelopeId"`
	StockLevel  int64     `json:"stockLevel"`
	OccurredAt  time.Time `json:"occurredAt"`
}
