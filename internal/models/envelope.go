package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType identifies the domain operation carried by an envelope.
type EnvelopeType string

const (
	TypeSale                EnvelopeType = "sale"
	TypePurchase            EnvelopeType = "purchase"
	TypeExpense             EnvelopeType = "expense"
	TypeInventoryAdjustment EnvelopeType = "inventory_adjustment"
)

// KnownType reports whether t is one of the supported envelope types.
func KnownType(t EnvelopeType) bool {
	switch t {
	case TypeSale, TypePurchase, TypeExpense, TypeInventoryAdjustment:
		return true
	}
	return false
}

// TransactionEnvelope is the wire and storage format for a single offline
// operation. The ID doubles as the idempotency key: applying the same
// envelope twice has exactly one effect on the branch database.
//
// Envelopes are immutable once created. Timestamp is client-side event time
// and is only meaningful for ordering within one branch.
type TransactionEnvelope struct {
	ID        string          `json:"id"`
	Type      EnvelopeType    `json:"type"`
	BranchID  string          `json:"branchId"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"data"`
}

// NewEnvelope builds an envelope with a fresh UUID and the current time.
func NewEnvelope(t EnvelopeType, branchID, userID string, payload any) (TransactionEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return TransactionEnvelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	return TransactionEnvelope{
		ID:        uuid.NewString(),
		Type:      t,
		BranchID:  branchID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}, nil
}

// Validate checks the structural invariants every stage relies on.
// Payload contents are validated later by the matching domain handler.
func (e TransactionEnvelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "missing envelope id"}
	}
	if e.BranchID == "" {
		return &ValidationError{Field: "branchId", Reason: "missing branch id"}
	}
	if !KnownType(e.Type) {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown envelope type %q", e.Type)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing event timestamp"}
	}
	if len(e.Payload) == 0 {
		return &ValidationError{Field: "data", Reason: "empty payload"}
	}
	return nil
}

// EstimateBytes approximates the in-memory weight of an envelope for batch
// memory pressure checks.
func (e TransactionEnvelope) EstimateBytes() int {
	return len(e.ID) + len(e.BranchID) + len(e.UserID) + len(e.Payload) + 64
}
