package router

import (
	"context"
	"errors"

	"github.com/pdvlabs/branchsync/internal/models"
)

// ErrDuplicateOutcome is returned by BranchTx.RecordOutcome when another
// application of the same envelope id committed first. The caller treats it
// as an idempotent replay, not a failure.
var ErrDuplicateOutcome = errors.New("outcome already recorded for envelope")

// BranchStore is a live, pooled handle to one branch's operational
// database. One implementation exists per supported engine; the router's
// strategy table decides which one a branch gets.
type BranchStore interface {
	Engine() models.Engine

	// Ping is the liveness probe used before a cached handle is reused.
	Ping(ctx context.Context) error

	// Outcome returns the persisted outcome for an envelope id, or nil
	// if the envelope has never been applied to this branch.
	Outcome(ctx context.Context, envelopeID string) (*models.SyncOutcome, error)

	// WithTx runs fn inside a single storage-level transaction,
	// committing on nil and rolling back on error.
	WithTx(ctx context.Context, fn func(BranchTx) error) error

	Close() error
}

// BranchTx is the set of domain operations available inside one branch
// transaction. Domain handlers compose these; nothing outside a handler
// writes branch data.
type BranchTx interface {
	InsertSale(ctx context.Context, env models.TransactionEnvelope, p models.SalePayload) (entityID string, err error)
	InsertPurchase(ctx context.Context, env models.TransactionEnvelope, p models.PurchasePayload) (entityID string, err error)
	InsertExpense(ctx context.Context, env models.TransactionEnvelope, p models.ExpensePayload) (entityID string, err error)

	// StockLevel reads a product's current stock. found is false when the
	// product has no inventory row yet; callers treat that as level 0.
	StockLevel(ctx context.Context, productID string) (level int64, found bool, err error)

	// SetStock overwrites a product's level and discrepancy flag,
	// creating the inventory row if needed. Only the conflict resolver
	// calls this.
	SetStock(ctx context.Context, productID string, level int64, discrepancy bool) error

	// ProductName returns the product's description for operator-facing
	// events; empty when unknown.
	ProductName(ctx context.Context, productID string) (string, error)

	AppendMovement(ctx context.Context, m models.InventoryMovement) error

	// RecordOutcome persists the idempotency ledger row. Returns
	// ErrDuplicateOutcome if the envelope id is already recorded.
	RecordOutcome(ctx context.Context, o models.SyncOutcome) error
}
