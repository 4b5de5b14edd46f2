package mapper

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Dialect captures the SQL surface differences between the supported branch
// engines. The set of dialects is closed, one per engine the router knows.
type Dialect struct {
	// DollarPlaceholders selects $1,$2,... (Postgres) over ? (Firebird,
	// SQLite).
	DollarPlaceholders bool
	// UpperIdents uppercases identifiers, required for the legacy
	// Firebird schemas created by the original Delphi application.
	UpperIdents bool
	// BoolAsInt rewrites booleans to 0/1 for engines without a native
	// boolean type.
	BoolAsInt bool
	// TextualTime formats timestamps as 'YYYY-MM-DD HH:MM:SS' strings
	// instead of passing time.Time through the driver.
	TextualTime bool
}

var (
	Postgres = Dialect{DollarPlaceholders: true}
	Firebird = Dialect{UpperIdents: true, BoolAsInt: true, TextualTime: true}
	SQLite   = Dialect{BoolAsInt: true}
)

// SQLBuilder translates column maps into engine-specific INSERT/UPDATE
// statements with deterministic column ordering.
type SQLBuilder struct {
	d Dialect
}

func NewSQLBuilder(d Dialect) *SQLBuilder {
	return &SQLBuilder{d: d}
}

// BuildInsert generates an INSERT statement for the builder's dialect.
func (b *SQLBuilder) BuildInsert(tableName string, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for insert on table %s", tableName)
	}

	var columns []string
	var placeholders []string
	var args []any

	// Sort keys for deterministic SQL generation.
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i, k := range keys {
		columns = append(columns, b.ident(k))
		placeholders = append(placeholders, b.placeholder(i+1))
		args = append(args, b.formatValue(data[k]))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		b.ident(tableName),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	return query, args, nil
}

// BuildUpdate generates an UPDATE statement based on a primary key.
func (b *SQLBuilder) BuildUpdate(tableName string, pkColumn string, pkValue any, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for update on table %s", tableName)
	}

	var setClauses []string
	var args []any

	keys := make([]string, 0, len(data))
	for k := range data {
		// Skip the PK in the SET clause
		if strings.EqualFold(k, pkColumn) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i, k := range keys {
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", b.ident(k), b.placeholder(i+1)))
		args = append(args, b.formatValue(data[k]))
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = %s",
		b.ident(tableName),
		strings.Join(setClauses, ", "),
		b.ident(pkColumn),
		b.placeholder(len(keys)+1),
	)
	args = append(args, b.formatValue(pkValue))

	return query, args, nil
}

func (b *SQLBuilder) placeholder(n int) string {
	if b.d.DollarPlaceholders {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (b *SQLBuilder) ident(s string) string {
	if b.d.UpperIdents {
		return strings.ToUpper(s)
	}
	return strings.ToLower(s)
}

// formatValue handles per-engine type quirks.
func (b *SQLBuilder) formatValue(v any) any {
	switch val := v.(type) {
	case bool:
		if !b.d.BoolAsInt {
			return val
		}
		if val {
			return 1
		}
		return 0
	case time.Time:
		if b.d.TextualTime {
			return val.UTC().Format("2006-01-02 15:04:05")
		}
		return val
	default:
		return val
	}
}
