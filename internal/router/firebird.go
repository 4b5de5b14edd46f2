package router

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/nakagami/firebirdsql"

	"github.com/pdvlabs/branchsync/internal/mapper"
	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/pkg/encoding"
)

// openFirebird builds the BranchStore for branches still running the
// legacy Firebird 2.5 databases created by the original desktop POS.
// Identifiers are uppercase, text columns are WIN1252, and the connection
// pool is kept deliberately small: classic-server Firebird on branch
// hardware degrades quickly under parallel writers.
func openFirebird(ctx context.Context, desc models.BranchDescriptor, logger *slog.Logger) (BranchStore, error) {
	db, err := sql.Open("firebirdsql", desc.DSN)
	if err != nil {
		return nil, fmt.Errorf("open firebird connection: %w", err)
	}

	maxConns := desc.MaxConns
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("firebird ping failed: %w", err)
	}

	return &sqlStore{
		db:      db,
		engine:  models.EngineFirebird,
		builder: mapper.NewSQLBuilder(mapper.Firebird),
		txOpts:  &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		q: storeQueries{
			selectOutcome: `SELECT ENVELOPE_ID, BRANCH_ID, RESULT, ENTITY_ID, DISCREPANCY, ERROR_LOG, APPLIED_AT
				FROM SYNC_OUTCOMES WHERE ENVELOPE_ID = ?`,
			selectStock: `SELECT STOCK_LEVEL FROM INVENTORY WHERE PRODUCT_ID = ?`,
			upsertStock: `UPDATE OR INSERT INTO INVENTORY (PRODUCT_ID, STOCK_LEVEL, HAS_DISCREPANCY)
				VALUES (?, ?, ?) MATCHING (PRODUCT_ID)`,
			productName: `SELECT NAME FROM PRODUCTS WHERE ID = ?`,
		},
		decodeText: encoding.ToUTF8,
		logger:     logger,
	}, nil
}

// IsFirebirdLockConflict detects Firebird's concurrency errors so callers
// can classify them as transient.
// Known markers: deadlock, lock conflict, update conflicts with concurrent
// update, ISC code 335544336.
func IsFirebirdLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock conflict") ||
		strings.Contains(msg, "concurrent update") ||
		strings.Contains(msg, "335544336")
}
