package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pdvlabs/branchsync/internal/mapper"
	"github.com/pdvlabs/branchsync/internal/models"
)

// sqlStore is the database/sql-backed BranchStore shared by the Firebird
// and SQLite engines. Engine differences are confined to the dialect, the
// literal queries below, and the text decoder.
type sqlStore struct {
	db      *sql.DB
	engine  models.Engine
	builder *mapper.SQLBuilder
	q       storeQueries
	txOpts  *sql.TxOptions
	// decodeText normalizes text read from the branch; the Firebird
	// store decodes legacy WIN1252 here.
	decodeText func([]byte) string
	logger     *slog.Logger
}

// storeQueries holds the statements that differ structurally between
// engines (mainly the stock upsert).
type storeQueries struct {
	selectOutcome string
	selectStock   string
	upsertStock   string
	productName   string
}

func (s *sqlStore) Engine() models.Engine { return s.engine }

func (s *sqlStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

func (s *sqlStore) Close() error {
	s.logger.Info("Closing branch connection pool", "engine", s.engine)
	return s.db.Close()
}

func (s *sqlStore) Outcome(ctx context.Context, envelopeID string) (*models.SyncOutcome, error) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		o           models.SyncOutcome
		result      string
		discrepancy int64
		appliedAt   string
	)
	err := s.db.QueryRowContext(opCtx, s.q.selectOutcome, envelopeID).Scan(
		&o.EnvelopeID, &o.BranchID, &result, &o.EntityID, &discrepancy, &o.Error, &appliedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outcome lookup for %s: %w", envelopeID, err)
	}

	o.Result = models.OutcomeResult(result)
	o.Discrepancy = discrepancy != 0
	if t, err := time.Parse(time.RFC3339, appliedAt); err == nil {
		o.AppliedAt = t
	}
	return &o, nil
}

func (s *sqlStore) WithTx(ctx context.Context, fn func(BranchTx) error) error {
	tx, err := s.db.BeginTx(ctx, s.txOpts)
	if err != nil {
		return models.Transient(fmt.Errorf("begin branch transaction: %w", err))
	}
	// Rollback is a no-op once Commit has run.
	defer tx.Rollback()

	if err := fn(&sqlBranchTx{tx: tx, store: s}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return models.Transient(fmt.Errorf("commit branch transaction: %w", err))
	}
	return nil
}

type sqlBranchTx struct {
	tx    *sql.Tx
	store *sqlStore
}

func (t *sqlBranchTx) exec(ctx context.Context, query string, args []any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *sqlBranchTx) insert(ctx context.Context, table string, data map[string]any) error {
	query, args, err := t.store.builder.BuildInsert(table, data)
	if err != nil {
		return err
	}
	return t.exec(ctx, query, args)
}

func (t *sqlBranchTx) InsertSale(ctx context.Context, env models.TransactionEnvelope, p models.SalePayload) (string, error) {
	entityID := uuid.NewString()
	err := t.insert(ctx, "sales", map[string]any{
		"id":             entityID,
		"envelope_id":    env.ID,
		"customer_id":    p.CustomerID,
		"user_id":        env.UserID,
		"total_cents":    p.TotalCents,
		"payment_method": p.PaymentMethod,
		"created_at":     env.Timestamp,
	})
	if err != nil {
		return "", fmt.Errorf("insert sale: %w", err)
	}

	for _, l := range p.Lines {
		err := t.insert(ctx, "sale_items", map[string]any{
			"id":          uuid.NewString(),
			"sale_id":     entityID,
			"product_id":  l.ProductID,
			"quantity":    l.Quantity,
			"unit_cents":  l.UnitCents,
			"total_cents": l.TotalCents,
		})
		if err != nil {
			return "", fmt.Errorf("insert sale item: %w", err)
		}
	}
	return entityID, nil
}

func (t *sqlBranchTx) InsertPurchase(ctx context.Context, env models.TransactionEnvelope, p models.PurchasePayload) (string, error) {
	entityID := uuid.NewString()
	err := t.insert(ctx, "purchases", map[string]any{
		"id":          entityID,
		"envelope_id": env.ID,
		"supplier_id": p.SupplierID,
		"user_id":     env.UserID,
		"total_cents": p.TotalCents,
		"created_at":  env.Timestamp,
	})
	if err != nil {
		return "", fmt.Errorf("insert purchase: %w", err)
	}

	for _, l := range p.Lines {
		err := t.insert(ctx, "purchase_items", map[string]any{
			"id":          uuid.NewString(),
			"purchase_id": entityID,
			"product_id":  l.ProductID,
			"quantity":    l.Quantity,
			"unit_cents":  l.UnitCents,
			"total_cents": l.TotalCents,
		})
		if err != nil {
			return "", fmt.Errorf("insert purchase item: %w", err)
		}
	}
	return entityID, nil
}

func (t *sqlBranchTx) InsertExpense(ctx context.Context, env models.TransactionEnvelope, p models.ExpensePayload) (string, error) {
	entityID := uuid.NewString()
	err := t.insert(ctx, "expenses", map[string]any{
		"id":           entityID,
		"envelope_id":  env.ID,
		"category":     p.Category,
		"description":  p.Description,
		"amount_cents": p.AmountCents,
		"user_id":      env.UserID,
		"created_at":   env.Timestamp,
	})
	if err != nil {
		return "", fmt.Errorf("insert expense: %w", err)
	}
	return entityID, nil
}

func (t *sqlBranchTx) StockLevel(ctx context.Context, productID string) (int64, bool, error) {
	var level int64
	err := t.tx.QueryRowContext(ctx, t.store.q.selectStock, productID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read stock for %s: %w", productID, err)
	}
	return level, true, nil
}

func (t *sqlBranchTx) SetStock(ctx context.Context, productID string, level int64, discrepancy bool) error {
	flag := 0
	if discrepancy {
		flag = 1
	}
	if err := t.exec(ctx, t.store.q.upsertStock, []any{productID, level, flag}); err != nil {
		return fmt.Errorf("write stock for %s: %w", productID, err)
	}
	return nil
}

func (t *sqlBranchTx) ProductName(ctx context.Context, productID string) (string, error) {
	var raw []byte
	err := t.tx.QueryRowContext(ctx, t.store.q.productName, productID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read product name for %s: %w", productID, err)
	}
	return t.store.decodeText(raw), nil
}

func (t *sqlBranchTx) AppendMovement(ctx context.Context, m models.InventoryMovement) error {
	err := t.insert(ctx, "inventory_movements", map[string]any{
		"id":           uuid.NewString(),
		"product_id":   m.ProductID,
		"envelope_id":  m.EnvelopeID,
		"user_id":      m.UserID,
		"delta":        m.Delta,
		"level_before": m.LevelBefore,
		"level_after":  m.LevelAfter,
		"reason":       m.Reason,
		"created_at":   m.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("append inventory movement: %w", err)
	}
	return nil
}

func (t *sqlBranchTx) RecordOutcome(ctx context.Context, o models.SyncOutcome) error {
	err := t.insert(ctx, "sync_outcomes", map[string]any{
		"envelope_id": o.EnvelopeID,
		"branch_id":   o.BranchID,
		"result":      string(o.Result),
		"entity_id":   o.EntityID,
		"discrepancy": o.Discrepancy,
		"error_log":   o.Error,
		"applied_at":  o.AppliedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Concurrent application of the same envelope won the race.
			return ErrDuplicateOutcome
		}
		return fmt.Errorf("record outcome for %s: %w", o.EnvelopeID, err)
	}
	return nil
}

// isUniqueViolation detects PK/unique constraint errors across the
// database/sql engines without depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "violation") ||
		strings.Contains(msg, "primary") ||
		strings.Contains(msg, "constraint")
}
