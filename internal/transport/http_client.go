package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
)

// HTTPSubmitter delivers batches to syncd's sync API.
type HTTPSubmitter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSubmitter(baseURL string, timeout time.Duration) *HTTPSubmitter {
	return &HTTPSubmitter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// SubmitBatch POSTs the batch to /sync/batch. Any transport-level failure
// (connection refused, timeout, non-2xx) is returned as an error and
// treated as transient by the caller; per-envelope failures come back
// inside the BatchResult.
func (s *HTTPSubmitter) SubmitBatch(ctx context.Context, envs []models.TransactionEnvelope) (models.BatchResult, error) {
	body, err := json.Marshal(envs)
	if err != nil {
		return models.BatchResult{}, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sync/batch", bytes.NewReader(body))
	if err != nil {
		return models.BatchResult{}, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.BatchResult{}, fmt.Errorf("submit batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.BatchResult{}, fmt.Errorf("sync server returned %d: %s", resp.StatusCode, snippet)
	}

	var result models.BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.BatchResult{}, fmt.Errorf("decode batch response: %w", err)
	}
	return result, nil
}
