package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pdvlabs/branchsync/internal/models"
)

// probeStore is a BranchStore stub tracking liveness probes and closes.
type probeStore struct {
	pingErr error
	pings   int
	closed  bool
}

func (s *probeStore) Engine() models.Engine { return models.EngineSQLite }
func (s *probeStore) Ping(context.Context) error {
	s.pings++
	return s.pingErr
}
func (s *probeStore) Outcome(context.Context, string) (*models.SyncOutcome, error) {
	return nil, nil
}
func (s *probeStore) WithTx(context.Context, func(BranchTx) error) error { return nil }
func (s *probeStore) Close() error {
	s.closed = true
	return nil
}

// fakeOpeners routes every supported engine to probe stores, recording how
// many handles were opened.
type fakeOpeners struct {
	opened  []*probeStore
	descs   []models.BranchDescriptor
	openErr error
}

func (f *fakeOpeners) table() map[models.Engine]Opener {
	open := func(_ context.Context, d models.BranchDescriptor, _ *slog.Logger) (BranchStore, error) {
		if f.openErr != nil {
			return nil, f.openErr
		}
		f.descs = append(f.descs, d)
		s := &probeStore{}
		f.opened = append(f.opened, s)
		return s, nil
	}
	return map[models.Engine]Opener{
		models.EnginePostgres: open,
		models.EngineFirebird: open,
		models.EngineSQLite:   open,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func desc(branchID string, engine models.Engine) models.BranchDescriptor {
	return models.BranchDescriptor{BranchID: branchID, Engine: engine, DSN: "dsn-" + branchID}
}

func TestResolveCachesHandle(t *testing.T) {
	f := &fakeOpeners{}
	r := NewWithOpeners(NewStaticSource(desc("b1", models.EngineSQLite)), f.table(), Limits{}, testLogger())
	ctx := context.Background()

	first, err := r.Resolve(ctx, "b1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := r.Resolve(ctx, "b1")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first != second {
		t.Error("second resolve should return the cached handle")
	}
	if len(f.opened) != 1 {
		t.Errorf("opened %d handles, want 1", len(f.opened))
	}
	// The cached handle is probed before reuse.
	if f.opened[0].pings == 0 {
		t.Error("cached handle was not probed")
	}
}

func TestResolveEvictsDeadHandle(t *testing.T) {
	f := &fakeOpeners{}
	r := NewWithOpeners(NewStaticSource(desc("b1", models.EngineSQLite)), f.table(), Limits{}, testLogger())
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "b1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.opened[0].pingErr = errors.New("connection is already closed")

	store, err := r.Resolve(ctx, "b1")
	if err != nil {
		t.Fatalf("resolve after dead probe: %v", err)
	}
	if len(f.opened) != 2 {
		t.Fatalf("opened %d handles, want 2 (evict + rebuild)", len(f.opened))
	}
	if !f.opened[0].closed {
		t.Error("evicted handle was not closed")
	}
	if store != f.opened[1] {
		t.Error("resolve did not return the rebuilt handle")
	}
}

func TestResolveRebuildsOnDescriptorChange(t *testing.T) {
	f := &fakeOpeners{}
	source := NewStaticSource(desc("b1", models.EngineSQLite))
	r := NewWithOpeners(source, f.table(), Limits{}, testLogger())
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "b1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// The branch was migrated to Postgres; its next resolve must not reuse
	// the SQLite handle.
	source.Put(desc("b1", models.EnginePostgres))
	if _, err := r.Resolve(ctx, "b1"); err != nil {
		t.Fatalf("resolve after migration: %v", err)
	}
	if len(f.opened) != 2 {
		t.Errorf("opened %d handles, want 2", len(f.opened))
	}
	if !f.opened[0].closed {
		t.Error("stale handle was not closed")
	}
}

func TestResolveValidationFailures(t *testing.T) {
	f := &fakeOpeners{}
	source := NewStaticSource(
		desc("b1", models.EngineSQLite),
		desc("b-oracle", "oracle"),
	)
	r := NewWithOpeners(source, f.table(), Limits{}, testLogger())
	ctx := context.Background()

	cases := []struct {
		name     string
		branchID string
	}{
		{"empty id", ""},
		{"unknown branch", "b-missing"},
		{"unsupported engine", "b-oracle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tc.branchID)
			if !models.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
			if models.IsBranchUnavailable(err) {
				t.Error("provisioning errors must not look like outages")
			}
		})
	}
}

func TestResolveOpenFailureIsBranchUnavailable(t *testing.T) {
	f := &fakeOpeners{openErr: errors.New("dial tcp 10.0.0.7:3050: connection refused")}
	r := NewWithOpeners(NewStaticSource(desc("b1", models.EngineFirebird)), f.table(), Limits{}, testLogger())

	_, err := r.Resolve(context.Background(), "b1")
	if !models.IsBranchUnavailable(err) {
		t.Fatalf("expected branch unavailable, got %v", err)
	}
	var be *models.BranchUnavailableError
	if errors.As(err, &be) && be.BranchID != "b1" {
		t.Errorf("error names branch %q", be.BranchID)
	}
}

func TestInvalidateDropsHandle(t *testing.T) {
	f := &fakeOpeners{}
	r := NewWithOpeners(NewStaticSource(desc("b1", models.EngineSQLite)), f.table(), Limits{}, testLogger())
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "b1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r.Invalidate("b1")
	if !f.opened[0].closed {
		t.Error("invalidated handle was not closed")
	}

	if _, err := r.Resolve(ctx, "b1"); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if len(f.opened) != 2 {
		t.Errorf("opened %d handles, want 2", len(f.opened))
	}
}

func TestCloseReleasesAllHandles(t *testing.T) {
	f := &fakeOpeners{}
	source := NewStaticSource(desc("b1", models.EngineSQLite), desc("b2", models.EnginePostgres))
	r := NewWithOpeners(source, f.table(), Limits{}, testLogger())
	ctx := context.Background()

	for _, id := range []string{"b1", "b2"} {
		if _, err := r.Resolve(ctx, id); err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
	}
	r.Close()
	for i, s := range f.opened {
		if !s.closed {
			t.Errorf("handle %d not closed", i)
		}
	}
}

func TestResolveAppliesDefaultMaxConns(t *testing.T) {
	f := &fakeOpeners{}
	r := NewWithOpeners(NewStaticSource(desc("b1", models.EngineSQLite)), f.table(), Limits{MaxConns: 6}, testLogger())

	if _, err := r.Resolve(context.Background(), "b1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if f.descs[0].MaxConns != 6 {
		t.Errorf("opener saw MaxConns = %d, want default 6", f.descs[0].MaxConns)
	}
}

func TestResolveKeepsDescriptorMaxConns(t *testing.T) {
	f := &fakeOpeners{}
	d := desc("b1", models.EngineSQLite)
	d.MaxConns = 3
	r := NewWithOpeners(NewStaticSource(d), f.table(), Limits{MaxConns: 6}, testLogger())

	if _, err := r.Resolve(context.Background(), "b1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if f.descs[0].MaxConns != 3 {
		t.Errorf("opener saw MaxConns = %d, want descriptor's 3", f.descs[0].MaxConns)
	}
}

func TestResolveBoundsOpenWithTimeout(t *testing.T) {
	var sawDeadline bool
	open := func(ctx context.Context, _ models.BranchDescriptor, _ *slog.Logger) (BranchStore, error) {
		_, sawDeadline = ctx.Deadline()
		return &probeStore{}, nil
	}
	table := map[models.Engine]Opener{models.EngineSQLite: open}
	r := NewWithOpeners(NewStaticSource(desc("b1", models.EngineSQLite)), table, Limits{OpenTimeout: time.Second}, testLogger())

	if _, err := r.Resolve(context.Background(), "b1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !sawDeadline {
		t.Error("opener context carried no deadline")
	}
}

func TestSupportedEngine(t *testing.T) {
	for _, engine := range []models.Engine{models.EnginePostgres, models.EngineFirebird, models.EngineSQLite} {
		if !SupportedEngine(engine) {
			t.Errorf("%s should be supported", engine)
		}
	}
	if SupportedEngine("oracle") {
		t.Error("oracle should not be supported")
	}
}

func TestLoadBranchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "branches.json")
	body := `[
		{"branchId":"centro","engine":"firebird","dsn":"sysdba:masterkey@10.0.0.7/3050/pos.fdb"},
		{"branchId":"norte","engine":"postgres","dsn":"postgres://pos@10.0.1.7/pos","maxConns":4}
	]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	source, err := LoadBranchesFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d, err := source.Descriptor(context.Background(), "norte")
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if d.Engine != models.EnginePostgres || d.MaxConns != 4 {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestLoadBranchesFileRejectsUnsupportedEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "branches.json")
	body := `[{"branchId":"b1","engine":"oracle","dsn":"scott/tiger"}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBranchesFile(path); err == nil {
		t.Error("unsupported engine should fail at load time")
	}
}
