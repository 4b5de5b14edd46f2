package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
)

func TestHTTPSubmitterRoundTrip(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var envs []models.TransactionEnvelope
		if err := json.NewDecoder(r.Body).Decode(&envs); err != nil {
			t.Errorf("decode request: %v", err)
		}
		res := models.BatchResult{Total: len(envs), Successful: len(envs)}
		for _, env := range envs {
			res.Results = append(res.Results, models.BatchItemResult{TransactionID: env.ID, Success: true})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(srv.URL, 5*time.Second)
	payload, _ := json.Marshal(models.ExpensePayload{Category: "misc", AmountCents: 100})
	envs := []models.TransactionEnvelope{{
		ID:        "e1",
		Type:      models.TypeExpense,
		BranchID:  "branch-a",
		UserID:    "user-1",
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}}

	result, err := sub.SubmitBatch(context.Background(), envs)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotPath != "/sync/batch" {
		t.Errorf("path = %q", gotPath)
	}
	if result.Successful != 1 || len(result.Results) != 1 || !result.Results[0].Success {
		t.Errorf("result = %+v", result)
	}
}

func TestHTTPSubmitterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "temporarily overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(srv.URL, 5*time.Second)
	if _, err := sub.SubmitBatch(context.Background(), nil); err == nil {
		t.Error("non-2xx should be an error")
	}
}

func TestHTTPSubmitterUnreachable(t *testing.T) {
	sub := NewHTTPSubmitter("http://127.0.0.1:1", 500*time.Millisecond)
	if _, err := sub.SubmitBatch(context.Background(), nil); err == nil {
		t.Error("connection failure should be an error")
	}
}
