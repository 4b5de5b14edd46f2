package models

// Engine is one of the supported relational engines for branch databases.
// The set is closed: the router holds one strategy entry per engine and an
// unknown value is a provisioning-time configuration error.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineFirebird Engine = "firebird"
	EngineSQLite   Engine = "sqlite"
)

// BranchDescriptor is the head-office record describing where a branch's
// operational database lives. The DSN is opaque to everything except the
// engine's own opener.
type BranchDescriptor struct {
	BranchID string `json:"branchId"`
	Engine   Engine `json:"engine"`
	DSN      string `json:"dsn"`
	// MaxConns bounds the branch's connection pool; zero means the
	// engine default.
	MaxConns int `json:"maxConns,omitempty"`
}
