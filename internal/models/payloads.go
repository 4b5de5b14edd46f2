package models

import (
	"encoding/json"
	"fmt"
)

// Monetary amounts are integer cents throughout. The terminals round at the
// moment of sale; the sync engine never does arithmetic on prices beyond
// summing line totals for validation.

// SaleLine is one line item of a sale or purchase.
type SaleLine struct {
	ProductID  string `json:"productId"`
	Quantity   int64  `json:"quantity"`
	UnitCents  int64  `json:"unitCents"`
	TotalCents int64  `json:"totalCents"`
}

// SalePayload is the payload of a TypeSale envelope.
type SalePayload struct {
	CustomerID    string     `json:"customerId,omitempty"`
	Lines         []SaleLine `json:"lines"`
	TotalCents    int64      `json:"totalCents"`
	PaymentMethod string     `json:"paymentMethod"`
}

// PurchasePayload is the payload of a TypePurchase envelope. Quantities
// increase stock on apply.
type PurchasePayload struct {
	SupplierID string     `json:"supplierId"`
	Lines      []SaleLine `json:"lines"`
	TotalCents int64      `json:"totalCents"`
}

// ExpensePayload is the payload of a TypeExpense envelope.
type ExpensePayload struct {
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	AmountCents int64  `json:"amountCents"`
}

// InventoryAdjustmentPayload is the payload of a TypeInventoryAdjustment
// envelope. Delta is signed: positive for stock counts up, negative for
// shrinkage or corrections.
type InventoryAdjustmentPayload struct {
	ProductID string `json:"productId"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason,omitempty"`
}

// DecodeSale parses and validates a sale payload.
func DecodeSale(raw json.RawMessage) (SalePayload, error) {
	var p SalePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ValidationError{Field: "data", Reason: fmt.Sprintf("malformed sale payload: %v", err)}
	}
	if len(p.Lines) == 0 {
		return p, &ValidationError{Field: "data.lines", Reason: "sale has no line items"}
	}
	for i, l := range p.Lines {
		if l.ProductID == "" {
			return p, &ValidationError{Field: fmt.Sprintf("data.lines[%d].productId", i), Reason: "missing product id"}
		}
		if l.Quantity <= 0 {
			return p, &ValidationError{Field: fmt.Sprintf("data.lines[%d].quantity", i), Reason: "quantity must be positive"}
		}
	}
	return p, nil
}

// DecodePurchase parses and validates a purchase payload.
func DecodePurchase(raw json.RawMessage) (PurchasePayload, error) {
	var p PurchasePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ValidationError{Field: "data", Reason: fmt.Sprintf("malformed purchase payload: %v", err)}
	}
	if len(p.Lines) == 0 {
		return p, &ValidationError{Field: "data.lines", Reason: "purchase has no line items"}
	}
	for i, l := range p.Lines {
		if l.ProductID == "" {
			return p, &ValidationError{Field: fmt.Sprintf("data.lines[%d].productId", i), Reason: "missing product id"}
		}
		if l.Quantity <= 0 {
			return p, &ValidationError{Field: fmt.Sprintf("data.lines[%d].quantity", i), Reason: "quantity must be positive"}
		}
	}
	return p, nil
}

// DecodeExpense parses and validates an expense payload.
func DecodeExpense(raw json.RawMessage) (ExpensePayload, error) {
	var p ExpensePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ValidationError{Field: "data", Reason: fmt.Sprintf("malformed expense payload: %v", err)}
	}
	if p.Category == "" {
		return p, &ValidationError{Field: "data.category", Reason: "missing expense category"}
	}
	if p.AmountCents <= 0 {
		return p, &ValidationError{Field: "data.amountCents", Reason: "amount must be positive"}
	}
	return p, nil
}

// DecodeInventoryAdjustment parses and validates an adjustment payload.
func DecodeInventoryAdjustment(raw json.RawMessage) (InventoryAdjustmentPayload, error) {
	var p InventoryAdjustmentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ValidationError{Field: "data", Reason: fmt.Sprintf("malformed adjustment payload: %v", err)}
	}
	if p.ProductID == "" {
		return p, &ValidationError{Field: "data.productId", Reason: "missing product id"}
	}
	if p.Delta == 0 {
		return p, &ValidationError{Field: "data.delta", Reason: "delta must be non-zero"}
	}
	return p, nil
}
