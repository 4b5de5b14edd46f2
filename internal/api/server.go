// Package api exposes the sync surface over HTTP: single and batch
// envelope submission plus the status endpoints operational tooling polls.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pdvlabs/branchsync/internal/coordinator"
	"github.com/pdvlabs/branchsync/internal/models"
)

// maxBodyBytes bounds request bodies; a full batch of maximum size fits
// comfortably below it.
const maxBodyBytes = 8 << 20

// Server is the head-office sync HTTP server.
type Server struct {
	coord     *coordinator.Coordinator
	events    coordinator.EventPublisher
	batchSize int
	logger    *slog.Logger
}

func NewServer(coord *coordinator.Coordinator, events coordinator.EventPublisher, batchSize int, logger *slog.Logger) *Server {
	return &Server{coord: coord, events: events, batchSize: batchSize, logger: logger}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sync", func(r chi.Router) {
		r.Post("/transaction", s.handleTransaction)
		r.Post("/batch", s.handleBatch)
		r.Get("/status", s.handleStatus)
	})

	return r
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var env models.TransactionEnvelope
	if err := decodeBody(w, r, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, models.SubmitResponse{
			Code:  models.CodeValidationError,
			Error: err.Error(),
		})
		return
	}

	outcome, err := s.coord.ApplyEnvelope(r.Context(), env)
	if err != nil {
		status := http.StatusServiceUnavailable
		if !models.IsBranchUnavailable(err) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, models.SubmitResponse{
			TransactionID: env.ID,
			Code:          models.ErrorCode(err),
			Error:         err.Error(),
		})
		return
	}

	if outcome.Result == models.ResultRejected {
		writeJSON(w, http.StatusUnprocessableEntity, models.SubmitResponse{
			TransactionID: env.ID,
			Code:          models.CodeValidationError,
			Error:         outcome.Error,
		})
		return
	}

	writeJSON(w, http.StatusOK, models.SubmitResponse{
		Success:       true,
		TransactionID: outcome.EnvelopeID,
		EntityID:      outcome.EntityID,
		Discrepancy:   outcome.Discrepancy,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var envs []models.TransactionEnvelope
	if err := decodeBody(w, r, &envs); err != nil {
		writeJSON(w, http.StatusBadRequest, models.SubmitResponse{
			Code:  models.CodeValidationError,
			Error: err.Error(),
		})
		return
	}

	if len(envs) > s.batchSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, models.SubmitResponse{
			Code:  models.CodeValidationError,
			Error: "batch exceeds maximum size",
		})
		return
	}

	result := s.coord.ApplyBatch(r.Context(), envs)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.coord.Stats()

	brokerHealthy := false
	if s.events != nil {
		brokerHealthy = s.events.IsHealthy()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":         stats,
		"brokerHealthy": brokerHealthy,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return errors.New("malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
