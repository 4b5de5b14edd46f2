package mapper

import (
	"testing"
	"time"
)

func TestBuildInsertSQLite(t *testing.T) {
	b := NewSQLBuilder(SQLite)
	query, args, err := b.BuildInsert("sales", map[string]any{
		"id":          "s1",
		"total_cents": int64(1500),
		"voided":      false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "INSERT INTO sales (id, total_cents, voided) VALUES (?, ?, ?)"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	// Deterministic ordering: id, total_cents, voided
	if args[0] != "s1" {
		t.Errorf("args[0] = %v, want s1", args[0])
	}
	if args[2] != 0 {
		t.Errorf("bool should map to 0, got %v", args[2])
	}
}

func TestBuildInsertFirebirdUppercasesAndFormatsTime(t *testing.T) {
	b := NewSQLBuilder(Firebird)
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	query, args, err := b.BuildInsert("expenses", map[string]any{
		"id":         "e1",
		"created_at": ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "INSERT INTO EXPENSES (CREATED_AT, ID) VALUES (?, ?)"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if args[0] != "2025-03-14 09:26:53" {
		t.Errorf("timestamp formatted as %v", args[0])
	}
}

func TestBuildInsertPostgresPlaceholders(t *testing.T) {
	b := NewSQLBuilder(Postgres)
	query, _, err := b.BuildInsert("inventory", map[string]any{
		"product_id":  "p1",
		"stock_level": int64(5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "INSERT INTO inventory (product_id, stock_level) VALUES ($1, $2)"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
}

func TestBuildInsertEmpty(t *testing.T) {
	b := NewSQLBuilder(SQLite)
	if _, _, err := b.BuildInsert("sales", nil); err == nil {
		t.Error("expected error for empty data")
	}
}

func TestBuildUpdateSkipsPrimaryKey(t *testing.T) {
	b := NewSQLBuilder(SQLite)
	query, args, err := b.BuildUpdate("inventory", "product_id", "p1", map[string]any{
		"product_id":  "p1",
		"stock_level": int64(-2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "UPDATE inventory SET stock_level = ? WHERE product_id = ?"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
	if args[1] != "p1" {
		t.Errorf("pk arg = %v, want p1", args[1])
	}
}

func TestBuildUpdatePostgresPlaceholderNumbering(t *testing.T) {
	b := NewSQLBuilder(Postgres)
	query, _, err := b.BuildUpdate("inventory", "product_id", "p1", map[string]any{
		"stock_level":     int64(3),
		"has_discrepancy": true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "UPDATE inventory SET has_discrepancy = $1, stock_level = $2 WHERE product_id = $3"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
}
