// Package router resolves branch identifiers to live database handles.
// Each branch owns an operationally independent database, possibly on a
// different relational engine; the router hides that behind a closed
// strategy table and a per-branch handle cache.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/pkg/metrics"
)

// Opener creates a BranchStore for one engine. The strategy table holds one
// entry per supported engine; there is no string-based dynamic dispatch
// beyond this closed map.
type Opener func(ctx context.Context, desc models.BranchDescriptor, logger *slog.Logger) (BranchStore, error)

// DescriptorSource supplies branch metadata. Implementations: the
// head-office database and a static file/in-memory source for dev setups.
type DescriptorSource interface {
	// Descriptor returns the branch's descriptor, or a ValidationError
	// for an unknown branch id.
	Descriptor(ctx context.Context, branchID string) (models.BranchDescriptor, error)
}

func defaultOpeners() map[models.Engine]Opener {
	return map[models.Engine]Opener{
		models.EnginePostgres: openPostgres,
		models.EngineFirebird: openFirebird,
		models.EngineSQLite:   openSQLite,
	}
}

// SupportedEngine reports whether engine has a strategy entry. Used at
// provisioning time so a typo in a branch record fails before any envelope
// is routed to it.
func SupportedEngine(engine models.Engine) bool {
	_, ok := defaultOpeners()[engine]
	return ok
}

type handle struct {
	mu    sync.Mutex
	store BranchStore
	desc  models.BranchDescriptor
}

// Limits are the operator defaults applied to every branch handle.
// MaxConns fills in for descriptors that leave theirs zero; OpenTimeout
// bounds establishing or probing a handle so a hung branch database cannot
// stall an envelope past its own deadline. Zero values disable each.
type Limits struct {
	MaxConns    int
	OpenTimeout time.Duration
}

// Router caches one live handle per branch, created lazily on first use.
type Router struct {
	source  DescriptorSource
	openers map[models.Engine]Opener
	limits  Limits
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

func New(source DescriptorSource, limits Limits, logger *slog.Logger) *Router {
	return NewWithOpeners(source, defaultOpeners(), limits, logger)
}

// NewWithOpeners builds a router with a custom strategy table. Tests use it
// to route branches to in-memory stores.
func NewWithOpeners(source DescriptorSource, openers map[models.Engine]Opener, limits Limits, logger *slog.Logger) *Router {
	return &Router{
		source:  source,
		openers: openers,
		limits:  limits,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Resolve returns a ready-to-use handle for the branch. A cached handle is
// probed first and rebuilt on a failed probe or a changed descriptor; a
// branch for which no healthy handle can be established is reported as
// unavailable so envelopes stay pending client-side.
func (r *Router) Resolve(ctx context.Context, branchID string) (BranchStore, error) {
	if branchID == "" {
		return nil, &models.ValidationError{Field: "branchId", Reason: "missing branch id"}
	}

	desc, err := r.source.Descriptor(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if desc.MaxConns == 0 {
		desc.MaxConns = r.limits.MaxConns
	}

	opener, ok := r.openers[desc.Engine]
	if !ok {
		// Provisioning error, not an outage: never retried.
		return nil, &models.ValidationError{
			Field:  "engine",
			Reason: fmt.Sprintf("branch %s configured with unsupported engine %q", branchID, desc.Engine),
		}
	}

	h := r.entry(branchID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if r.limits.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.limits.OpenTimeout)
		defer cancel()
	}

	if h.store != nil && h.desc != desc {
		r.logger.Info("Branch descriptor changed, rebuilding handle",
			"branch", branchID, "engine", desc.Engine)
		h.store.Close()
		h.store = nil
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err == nil {
			return h.store, nil
		}
		r.logger.Warn("Branch handle failed liveness probe, evicting", "branch", branchID, "error", err)
		metrics.BranchPoolEvictions.WithLabelValues(branchID).Inc()
		h.store.Close()
		h.store = nil
	}

	store, err := opener(ctx, desc, r.logger)
	if err != nil {
		return nil, &models.BranchUnavailableError{BranchID: branchID, Cause: err}
	}

	h.store = store
	h.desc = desc
	r.logger.Info("Branch handle established", "branch", branchID, "engine", desc.Engine)
	return store, nil
}

func (r *Router) entry(branchID string) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[branchID]
	if !ok {
		h = &handle{}
		r.handles[branchID] = h
	}
	return h
}

// Invalidate drops the cached handle for a branch. Called when the
// head-office descriptor record changes.
func (r *Router) Invalidate(branchID string) {
	r.mu.Lock()
	h, ok := r.handles[branchID]
	if ok {
		delete(r.handles, branchID)
	}
	r.mu.Unlock()

	if ok {
		h.mu.Lock()
		if h.store != nil {
			h.store.Close()
			h.store = nil
		}
		h.mu.Unlock()
	}
}

// Close releases every cached handle.
func (r *Router) Close() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*handle)
	r.mu.Unlock()

	for id, h := range handles {
		h.mu.Lock()
		if h.store != nil {
			if err := h.store.Close(); err != nil {
				r.logger.Warn("Error closing branch handle", "branch", id, "error", err)
			}
			h.store = nil
		}
		h.mu.Unlock()
	}
}
