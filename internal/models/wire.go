package models

// Wire types shared by the sync API and the branch agent's transport.

// Error codes carried in responses. SYNC_ERROR is transient; the others
// drive the client's no-retry and no-budget paths. DEFERRED marks an
// envelope the server never attempted because an earlier envelope of the
// same branch failed; it consumes no retry budget.
const (
	CodeSyncError         = "SYNC_ERROR"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeBranchUnavailable = "BRANCH_UNAVAILABLE"
	CodeDeferred          = "DEFERRED"
)

// BatchItemResult is the per-envelope entry of a batch response.
type BatchItemResult struct {
	TransactionID string `json:"transactionId"`
	Success       bool   `json:"success"`
	EntityID      string `json:"entityId,omitempty"`
	Discrepancy   bool   `json:"discrepancy,omitempty"`
	Code          string `json:"code,omitempty"`
	Error         string `json:"error,omitempty"`
}

// BatchResult aggregates a whole batch. Partial failure is expected and
// reported per item, never as an all-or-nothing error.
type BatchResult struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []BatchItemResult `json:"results"`
}

// SubmitResponse is the single-envelope response of POST /sync/transaction.
type SubmitResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	EntityID      string `json:"entityId,omitempty"`
	Discrepancy   bool   `json:"discrepancy,omitempty"`
	Code          string `json:"code,omitempty"`
	Error         string `json:"error,omitempty"`
}
