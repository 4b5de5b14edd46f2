package coordinator

import (
	"context"
	"fmt"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/internal/resolver"
	"github.com/pdvlabs/branchsync/internal/router"
)

// dispatch routes an envelope to the domain handler for its type. Handlers
// run inside the caller's branch transaction; any error rolls the whole
// envelope back.
func (c *Coordinator) dispatch(ctx context.Context, tx router.BranchTx, env models.TransactionEnvelope) (string, []resolver.Application, error) {
	switch env.Type {
	case models.TypeSale:
		return c.applySale(ctx, tx, env)
	case models.TypePurchase:
		return c.applyPurchase(ctx, tx, env)
	case models.TypeExpense:
		return c.applyExpense(ctx, tx, env)
	case models.TypeInventoryAdjustment:
		return c.applyAdjustment(ctx, tx, env)
	default:
		// Unreachable past Validate, but dispatch is also the last line
		// of defense for envelopes built in-process.
		return "", nil, &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown envelope type %q", env.Type)}
	}
}

// applySale records the sale and decrements stock per line item through the
// conflict resolver. Overselling is not an error here: the customer already
// left with the goods, so the delta lands and the discrepancy is flagged.
func (c *Coordinator) applySale(ctx context.Context, tx router.BranchTx, env models.TransactionEnvelope) (string, []resolver.Application, error) {
	p, err := models.DecodeSale(env.Payload)
	if err != nil {
		return "", nil, err
	}

	entityID, err := tx.InsertSale(ctx, env, p)
	if err != nil {
		return "", nil, err
	}

	var apps []resolver.Application
	for _, line := range p.Lines {
		app, err := c.resolver.ApplyDelta(ctx, tx, env, line.ProductID, -line.Quantity, resolver.Describe(env.Type, ""))
		if err != nil {
			return "", nil, err
		}
		apps = append(apps, app)
	}
	return entityID, apps, nil
}

// applyPurchase records the goods receipt and increments stock per line.
func (c *Coordinator) applyPurchase(ctx context.Context, tx router.BranchTx, env models.TransactionEnvelope) (string, []resolver.Application, error) {
	p, err := models.DecodePurchase(env.Payload)
	if err != nil {
		return "", nil, err
	}

	entityID, err := tx.InsertPurchase(ctx, env, p)
	if err != nil {
		return "", nil, err
	}

	var apps []resolver.Application
	for _, line := range p.Lines {
		app, err := c.resolver.ApplyDelta(ctx, tx, env, line.ProductID, line.Quantity, resolver.Describe(env.Type, p.SupplierID))
		if err != nil {
			return "", nil, err
		}
		apps = append(apps, app)
	}
	return entityID, apps, nil
}

// applyExpense has no inventory effect.
func (c *Coordinator) applyExpense(ctx context.Context, tx router.BranchTx, env models.TransactionEnvelope) (string, []resolver.Application, error) {
	p, err := models.DecodeExpense(env.Payload)
	if err != nil {
		return "", nil, err
	}
	entityID, err := tx.InsertExpense(ctx, env, p)
	if err != nil {
		return "", nil, err
	}
	return entityID, nil, nil
}

// applyAdjustment applies a signed stock delta directly.
func (c *Coordinator) applyAdjustment(ctx context.Context, tx router.BranchTx, env models.TransactionEnvelope) (string, []resolver.Application, error) {
	p, err := models.DecodeInventoryAdjustment(env.Payload)
	if err != nil {
		return "", nil, err
	}
	app, err := c.resolver.ApplyDelta(ctx, tx, env, p.ProductID, p.Delta, resolver.Describe(env.Type, p.Reason))
	if err != nil {
		return "", nil, err
	}
	return p.ProductID, []resolver.Application{app}, nil
}
