package router

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pdvlabs/branchsync/internal/mapper"
	"github.com/pdvlabs/branchsync/internal/models"
)

// sqliteMigrations is the branch schema for SQLite-backed branches. Unlike
// the Postgres/Firebird engines, which are provisioned by head-office DBAs,
// SQLite branches (kiosks, pop-up stores, tests) self-migrate on first use.
func sqliteMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS products (
			id   TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS inventory (
			product_id      TEXT PRIMARY KEY,
			stock_level     INTEGER NOT NULL DEFAULT 0,
			has_discrepancy INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_movements (
			id           TEXT PRIMARY KEY,
			product_id   TEXT NOT NULL,
			envelope_id  TEXT NOT NULL,
			user_id      TEXT NOT NULL DEFAULT '',
			delta        INTEGER NOT NULL,
			level_before INTEGER NOT NULL,
			level_after  INTEGER NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_movements_product ON inventory_movements(product_id)`,
		`CREATE TABLE IF NOT EXISTS sales (
			id             TEXT PRIMARY KEY,
			envelope_id    TEXT NOT NULL UNIQUE,
			customer_id    TEXT NOT NULL DEFAULT '',
			user_id        TEXT NOT NULL DEFAULT '',
			total_cents    INTEGER NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sale_items (
			id          TEXT PRIMARY KEY,
			sale_id     TEXT NOT NULL REFERENCES sales(id),
			product_id  TEXT NOT NULL,
			quantity    INTEGER NOT NULL,
			unit_cents  INTEGER NOT NULL,
			total_cents INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS purchases (
			id          TEXT PRIMARY KEY,
			envelope_id TEXT NOT NULL UNIQUE,
			supplier_id TEXT NOT NULL DEFAULT '',
			user_id     TEXT NOT NULL DEFAULT '',
			total_cents INTEGER NOT NULL,
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS purchase_items (
			id          TEXT PRIMARY KEY,
			purchase_id TEXT NOT NULL REFERENCES purchases(id),
			product_id  TEXT NOT NULL,
			quantity    INTEGER NOT NULL,
			unit_cents  INTEGER NOT NULL,
			total_cents INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS expenses (
			id           TEXT PRIMARY KEY,
			envelope_id  TEXT NOT NULL UNIQUE,
			category     TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			amount_cents INTEGER NOT NULL,
			user_id      TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_outcomes (
			envelope_id TEXT PRIMARY KEY,
			branch_id   TEXT NOT NULL,
			result      TEXT NOT NULL,
			entity_id   TEXT NOT NULL DEFAULT '',
			discrepancy INTEGER NOT NULL DEFAULT 0,
			error_log   TEXT NOT NULL DEFAULT '',
			applied_at  TEXT NOT NULL
		)`,
	}
}

func openSQLite(ctx context.Context, desc models.BranchDescriptor, logger *slog.Logger) (BranchStore, error) {
	dsn := desc.DSN
	if !strings.Contains(dsn, "_pragma") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite branch database: %w", err)
	}
	// SQLite allows one writer; more connections only add lock churn.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	for _, stmt := range sqliteMigrations() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite branch schema: %w", err)
		}
	}

	return &sqlStore{
		db:      db,
		engine:  models.EngineSQLite,
		builder: mapper.NewSQLBuilder(mapper.SQLite),
		q: storeQueries{
			selectOutcome: `SELECT envelope_id, branch_id, result, entity_id, discrepancy, error_log, applied_at
				FROM sync_outcomes WHERE envelope_id = ?`,
			selectStock: `SELECT stock_level FROM inventory WHERE product_id = ?`,
			upsertStock: `INSERT INTO inventory (product_id, stock_level, has_discrepancy)
				VALUES (?, ?, ?)
				ON CONFLICT(product_id) DO UPDATE SET
					stock_level = excluded.stock_level,
					has_discrepancy = excluded.has_discrepancy`,
			productName: `SELECT name FROM products WHERE id = ?`,
		},
		decodeText: func(b []byte) string { return strings.TrimSpace(string(b)) },
		logger:     logger,
	}, nil
}
