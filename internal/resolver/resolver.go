// Package resolver implements last-write-wins conflict resolution for
// inventory. Concurrent offline sales of the same product must all be
// honored (the goods already left the store), so a delta is never
// rejected; a semantically invalid result (negative stock) is flagged for
// manual reconciliation instead.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/internal/router"
)

// Application is the result of applying one delta. Event is non-nil when
// the delta raised a discrepancy; the caller publishes it after the branch
// transaction commits.
type Application struct {
	LevelBefore int64
	NewLevel    int64
	Discrepancy bool
	Event       *models.DiscrepancyEvent
}

// Resolver applies stock deltas inside a branch transaction. It is the only
// code path that writes inventory levels.
type Resolver struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// ApplyDelta adds delta to the product's stock level, unconditionally.
// A negative result sets the discrepancy flag; a result back at or above
// zero clears it, since the state it marked no longer exists. Every delta
// appends an audit movement row.
func (r *Resolver) ApplyDelta(ctx context.Context, tx router.BranchTx, env models.TransactionEnvelope, productID string, delta int64, reason string) (Application, error) {
	level, _, err := tx.StockLevel(ctx, productID)
	if err != nil {
		return Application{}, err
	}

	newLevel := level + delta
	discrepancy := newLevel < 0

	if err := tx.SetStock(ctx, productID, newLevel, discrepancy); err != nil {
		return Application{}, err
	}

	if err := tx.AppendMovement(ctx, models.InventoryMovement{
		ProductID:   productID,
		EnvelopeID:  env.ID,
		UserID:      env.UserID,
		Delta:       delta,
		LevelBefore: level,
		LevelAfter:  newLevel,
		Reason:      reason,
		CreatedAt:   env.Timestamp,
	}); err != nil {
		return Application{}, err
	}

	app := Application{LevelBefore: level, NewLevel: newLevel, Discrepancy: discrepancy}

	if discrepancy {
		name, err := tx.ProductName(ctx, productID)
		if err != nil {
			// The event is operator decoration; never fail the write
			// over it.
			r.logger.Warn("Could not load product name for discrepancy event",
				"product", productID, "error", err)
		}
		app.Event = &models.DiscrepancyEvent{
			BranchID:    env.BranchID,
			ProductID:   productID,
			ProductName: name,
			EnvelopeID:  env.ID,
			StockLevel:  newLevel,
			OccurredAt:  time.Now().UTC(),
		}
		r.logger.Warn("Inventory discrepancy surfaced",
			"branch", env.BranchID,
			"product", productID,
			"level", newLevel,
			"envelope", env.ID,
		)
	}

	return app, nil
}

// Describe renders the human-readable movement reason for a given envelope
// type. Kept here so every handler labels movements consistently.
func Describe(t models.EnvelopeType, detail string) string {
	if detail != "" {
		return fmt.Sprintf("%s: %s", t, detail)
	}
	return string(t)
}
