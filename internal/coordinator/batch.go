package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/pkg/metrics"
)

// ApplyBatch applies envelopes in submission order. The client submits each
// branch's envelopes in ascending timestamp order; to keep that guarantee
// meaningful, once an envelope fails transiently the branch's remaining
// envelopes in this batch are deferred untouched: applying them would leap
// over the failed one. A permanent rejection is a known outcome and does
// not block the envelopes behind it.
func (c *Coordinator) ApplyBatch(ctx context.Context, envs []models.TransactionEnvelope) models.BatchResult {
	start := time.Now()
	metrics.BatchSize.Observe(float64(len(envs)))
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	res := models.BatchResult{Total: len(envs)}
	blocked := make(map[string]bool)

	for _, env := range envs {
		if blocked[env.BranchID] {
			c.bump(func(s *Stats) { s.Deferred++ })
			metrics.EnvelopesProcessed.WithLabelValues("deferred", env.BranchID, string(env.Type)).Inc()
			// Never attempted: the distinct code keeps the client from
			// charging this envelope's retry budget.
			res.Results = append(res.Results, models.BatchItemResult{
				TransactionID: env.ID,
				Code:          models.CodeDeferred,
				Error:         fmt.Sprintf("deferred: earlier envelope for branch %s failed", env.BranchID),
			})
			res.Failed++
			continue
		}

		outcome, err := c.ApplyEnvelope(ctx, env)
		if err != nil {
			blocked[env.BranchID] = true
			res.Results = append(res.Results, models.BatchItemResult{
				TransactionID: env.ID,
				Code:          models.ErrorCode(err),
				Error:         err.Error(),
			})
			res.Failed++
			continue
		}

		if outcome.Result == models.ResultRejected {
			res.Results = append(res.Results, models.BatchItemResult{
				TransactionID: env.ID,
				Code:          models.CodeValidationError,
				Error:         outcome.Error,
			})
			res.Failed++
			continue
		}

		res.Results = append(res.Results, models.BatchItemResult{
			TransactionID: env.ID,
			Success:       true,
			EntityID:      outcome.EntityID,
			Discrepancy:   outcome.Discrepancy,
		})
		res.Successful++
	}

	return res
}
