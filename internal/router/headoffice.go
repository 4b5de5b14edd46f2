package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pdvlabs/branchsync/internal/models"
)

// HeadOfficeSource reads branch descriptors from the head-office Postgres.
// Rows are cached briefly so the sync hot path does not hit the head office
// per envelope; a change lands within the TTL and the comparison inside
// Router.Resolve then rebuilds the branch handle.
type HeadOfficeSource struct {
	pool *pgxpool.Pool
	ttl  time.Duration

	mu    sync.Mutex
	cache map[string]cachedDescriptor
}

type cachedDescriptor struct {
	desc      models.BranchDescriptor
	fetchedAt time.Time
}

// NewHeadOfficeSource connects to the head-office database and verifies it
// responds before returning.
func NewHeadOfficeSource(ctx context.Context, connString string, ttl time.Duration) (*HeadOfficeSource, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse head-office connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create head-office pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("head-office database not responding: %w", err)
	}

	return &HeadOfficeSource{
		pool:  pool,
		ttl:   ttl,
		cache: make(map[string]cachedDescriptor),
	}, nil
}

func (s *HeadOfficeSource) Descriptor(ctx context.Context, branchID string) (models.BranchDescriptor, error) {
	s.mu.Lock()
	if c, ok := s.cache[branchID]; ok && time.Since(c.fetchedAt) < s.ttl {
		s.mu.Unlock()
		return c.desc, nil
	}
	s.mu.Unlock()

	const query = `
		SELECT branch_id, engine, dsn, COALESCE(max_conns, 0)
		FROM branches
		WHERE branch_id = $1 AND active
	`

	var d models.BranchDescriptor
	var engine string
	err := s.pool.QueryRow(ctx, query, branchID).Scan(&d.BranchID, &engine, &d.DSN, &d.MaxConns)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BranchDescriptor{}, &models.ValidationError{
			Field:  "branchId",
			Reason: fmt.Sprintf("unknown branch %q", branchID),
		}
	}
	if err != nil {
		// The head office being down is an outage for every branch it
		// describes, not a property of any envelope.
		return models.BranchDescriptor{}, &models.BranchUnavailableError{BranchID: branchID, Cause: err}
	}

	d.Engine = models.Engine(engine)
	if !SupportedEngine(d.Engine) {
		return models.BranchDescriptor{}, &models.ValidationError{
			Field:  "engine",
			Reason: fmt.Sprintf("branch %s provisioned with unsupported engine %q", branchID, engine),
		}
	}

	s.mu.Lock()
	s.cache[branchID] = cachedDescriptor{desc: d, fetchedAt: time.Now()}
	s.mu.Unlock()

	return d, nil
}

// Forget drops the cached row for a branch, forcing a fresh read on the
// next resolve.
func (s *HeadOfficeSource) Forget(branchID string) {
	s.mu.Lock()
	delete(s.cache, branchID)
	s.mu.Unlock()
}

// Close releases the head-office pool.
func (s *HeadOfficeSource) Close() {
	s.pool.Close()
}
