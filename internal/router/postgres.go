package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pdvlabs/branchsync/internal/mapper"
	"github.com/pdvlabs/branchsync/internal/models"
)

// postgresStore is the pgx-native BranchStore for branches on Postgres.
// It does not share the database/sql implementation: pgxpool's binary
// protocol and pool instrumentation are worth the duplicate surface.
type postgresStore struct {
	pool    *pgxpool.Pool
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

func openPostgres(ctx context.Context, desc models.BranchDescriptor, logger *slog.Logger) (BranchStore, error) {
	cfg, err := pgxpool.ParseConfig(desc.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres connection string: %w", err)
	}
	if desc.MaxConns > 0 {
		cfg.MaxConns = int32(desc.MaxConns)
	}
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &postgresStore{
		pool:    pool,
		builder: mapper.NewSQLBuilder(mapper.Postgres),
		logger:  logger,
	}, nil
}

func (s *postgresStore) Engine() models.Engine { return models.EnginePostgres }

func (s *postgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(pingCtx)
}

func (s *postgresStore) Close() error {
	s.logger.Info("Closing branch connection pool", "engine", models.EnginePostgres)
	s.pool.Close()
	return nil
}

func (s *postgresStore) Outcome(ctx context.Context, envelopeID string) (*models.SyncOutcome, error) {
	const query = `
		SELECT envelope_id, branch_id, result, entity_id, discrepancy, error_log, applied_at
		FROM sync_outcomes
		WHERE envelope_id = $1
	`

	var (
		o      models.SyncOutcome
		result string
	)
	err := s.pool.QueryRow(ctx, query, envelopeID).Scan(
		&o.EnvelopeID, &o.BranchID, &result, &o.EntityID, &o.Discrepancy, &o.Error, &o.AppliedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outcome lookup for %s: %w", envelopeID, err)
	}
	o.Result = models.OutcomeResult(result)
	return &o, nil
}

func (s *postgresStore) WithTx(ctx context.Context, fn func(BranchTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return models.Transient(fmt.Errorf("begin branch transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgxBranchTx{tx: tx, store: s}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Transient(fmt.Errorf("commit branch transaction: %w", err))
	}
	return nil
}

type pgxBranchTx struct {
	tx    pgx.Tx
	store *postgresStore
}

func (t *pgxBranchTx) insert(ctx context.Context, table string, data map[string]any) error {
	query, args, err := t.store.builder.BuildInsert(table, data)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

func (t *pgxBranchTx) InsertSale(ctx context.Context, env models.TransactionEnvelope, p models.SalePayload) (string, error) {
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

func (t *pgxBranchTx) InsertPurchase(ctx context.Context, env models.TransactionEnvelope, p models.PurchasePayload) (string, error) {
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

func (t *pgxBranchTx) InsertExpense(ctx context.Context, env models.TransactionEnvelope, p models.ExpensePayload) (string, error) {
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

func (t *pgxBranchTx) StockLevel(ctx context.Context, productID string) (int64, bool, error) {
	var level int64
	err := t.tx.QueryRow(ctx,
		`SELECT stock_level FROM inventory WHERE product_id = $1`, productID).Scan(&level)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read stock for %s: %w", productID, err)
	}
	return level, true, nil
}

func (t *pgxBranchTx) SetStock(ctx context.Context, productID string, level int64, discrepancy bool) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory (product_id, stock_level, has_discrepancy)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id) DO UPDATE SET
			stock_level = EXCLUDED.stock_level,
			has_discrepancy = EXCLUDED.has_discrepancy`,
		productID, level, discrepancy,
	)
	if err != nil {
		return fmt.Errorf("write stock for %s: %w", productID, err)
	}
	return nil
}

func (t *pgxBranchTx) ProductName(ctx context.Context, productID string) (string, error) {
	var name string
	err := t.tx.QueryRow(ctx,
		`SELECT name FROM products WHERE id = $1`, productID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read product name for %s: %w", productID, err)
	}
	return name, nil
}

func (t *pgxBranchTx) AppendMovement(ctx context.Context, m models.InventoryMovement) error {
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

func (t *pgxBranchTx) RecordOutcome(ctx context.Context, o models.SyncOutcome) error {
	err := t.insert(ctx, "sync_outcomes", map[string]any{
		"envelope_id": o.EnvelopeID,
		"branch_id":   o.BranchID,
		"result":      string(o.Result),
		"entity_id":   o.EntityID,
		"discrepancy": o.Discrepancy,
		"error_log":   o.Error,
		"applied_at":  o.AppliedAt.UTC(),
	})
	if err != nil {
		if strings.Contains(err.Error(), "23505") || strings.Contains(strings.ToLower(err.Error()), "duplicate key") {
			return ErrDuplicateOutcome
		}
		return fmt.Errorf("record outcome for %s: %w", o.EnvelopeID, err)
	}
	return nil
}
