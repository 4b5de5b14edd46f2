package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/internal/retry"
)

// QueueStats is the slice of the local queue the agent endpoint reads.
type QueueStats interface {
	Stats(ctx context.Context) (models.QueueStats, error)
}

// Agent is the branch-local HTTP surface: sync status for the terminal UI
// indicator plus the operator's dead-letter controls.
type Agent struct {
	queue  QueueStats
	retry  *retry.Manager
	logger *slog.Logger
}

func NewAgent(queue QueueStats, rm *retry.Manager, logger *slog.Logger) *Agent {
	return &Agent{queue: queue, retry: rm, logger: logger}
}

// Handler returns the agent's chi router.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sync", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/failed", a.handleListFailed)
		r.Post("/failed/{id}/retry", a.handleRetryFailed)
		r.Delete("/failed/{id}", a.handleDiscardFailed)
	})

	return r
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := a.queue.Stats(r.Context())
	if err != nil {
		a.logger.Error("Failed to read queue stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *Agent) handleListFailed(w http.ResponseWriter, r *http.Request) {
	records, err := a.retry.ListFailed(r.Context())
	if err != nil {
		a.logger.Error("Failed to list dead letters", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
		return
	}

	type failedEnvelope struct {
		ID         string              `json:"id"`
		Type       models.EnvelopeType `json:"type"`
		BranchID   string              `json:"branchId"`
		Timestamp  time.Time           `json:"timestamp"`
		RetryCount int                 `json:"retryCount"`
		LastError  string              `json:"lastError"`
	}

	out := make([]failedEnvelope, 0, len(records))
	for _, rec := range records {
		out = append(out, failedEnvelope{
			ID:         rec.Envelope.ID,
			Type:       rec.Envelope.Type,
			BranchID:   rec.Envelope.BranchID,
			Timestamp:  rec.Envelope.Timestamp,
			RetryCount: rec.RetryCount,
			LastError:  rec.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Agent) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.retry.Resubmit(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactionId": id})
}

func (a *Agent) handleDiscardFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.retry.DiscardFailed(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactionId": id})
}
