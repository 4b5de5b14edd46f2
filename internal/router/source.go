package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pdvlabs/branchsync/internal/models"
)

// StaticSource serves descriptors from memory. It backs dev/test setups
// (optionally loaded from a JSON file) and is the seam tests use to
// provision branches.
type StaticSource struct {
	mu       sync.RWMutex
	branches map[string]models.BranchDescriptor
}

func NewStaticSource(descs ...models.BranchDescriptor) *StaticSource {
	s := &StaticSource{branches: make(map[string]models.BranchDescriptor)}
	for _, d := range descs {
		s.branches[d.BranchID] = d
	}
	return s
}

// LoadBranchesFile reads a JSON array of BranchDescriptors. Unsupported
// engines fail here, at provisioning time.
func LoadBranchesFile(path string) (*StaticSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read branches file: %w", err)
	}

	var descs []models.BranchDescriptor
	if err := json.Unmarshal(raw, &descs); err != nil {
		return nil, fmt.Errorf("parse branches file %s: %w", path, err)
	}

	for _, d := range descs {
		if d.BranchID == "" || d.DSN == "" {
			return nil, fmt.Errorf("branches file %s: descriptor missing branchId or dsn", path)
		}
		if !SupportedEngine(d.Engine) {
			return nil, fmt.Errorf("branches file %s: branch %s uses unsupported engine %q", path, d.BranchID, d.Engine)
		}
	}

	return NewStaticSource(descs...), nil
}

func (s *StaticSource) Descriptor(_ context.Context, branchID string) (models.BranchDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.branches[branchID]
	if !ok {
		return models.BranchDescriptor{}, &models.ValidationError{
			Field:  "branchId",
			Reason: fmt.Sprintf("unknown branch %q", branchID),
		}
	}
	return d, nil
}

// Put inserts or replaces a descriptor. Callers pair it with
// Router.Invalidate so the stale handle is dropped.
func (s *StaticSource) Put(d models.BranchDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[d.BranchID] = d
}

// Remove deletes a branch's descriptor.
func (s *StaticSource) Remove(branchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.branches, branchID)
}
