package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/cyclecast/internal/broadcast"
	"github.com/me/cyclecast/internal/statedump"
	"github.com/me/cyclecast/internal/store"
	"github.com/me/cyclecast/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSetup creates an in-memory store with one run and an empty broadcast
// store.
func testSetup(t *testing.T) (store.Store, *broadcast.Store, *model.SuiteRun) {
	t.Helper()
	logger := testLogger()

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	run, err := OpenRun(context.Background(), st, "forecast", false)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	return st, broadcast.New(nil, nil, logger), run
}

func put(t *testing.T, bc *broadcast.Store, cycle string, settings model.Settings) {
	t.Helper()
	if ok, msg := bc.Put([]string{model.RootNamespace}, []string{cycle}, []model.Settings{settings}); !ok {
		t.Fatalf("Put: %s", msg)
	}
}

// failingStore fails RecordChanges while fail is set.
type failingStore struct {
	store.Store
	fail bool
}

func (f *failingStore) RecordChanges(ctx context.Context, runID string, records []model.ChangeRecord) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.RecordChanges(ctx, runID, records)
}

func TestTick_EmptyJournal(t *testing.T) {
	st, bc, run := testSetup(t)
	cfg := DefaultConfig()
	cfg.RunID = run.ID
	loop := NewLoop(bc, st, cfg, testLogger())

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	_, total, err := st.ListChanges(context.Background(), run.ID, model.DefaultListOptions())
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
}

func TestTick_RecordsChangesAndWritesStateDump(t *testing.T) {
	st, bc, run := testSetup(t)
	cfg := DefaultConfig()
	cfg.Suite = run.Suite
	cfg.RunID = run.ID
	cfg.StatePath = filepath.Join(t.TempDir(), "state", "latest")
	loop := NewLoop(bc, st, cfg, testLogger())

	put(t, bc, model.ScopeAll, model.Settings{"script": "true"})
	put(t, bc, "2020010100", model.Settings{"retries": 2})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	changes, total, err := st.ListChanges(context.Background(), run.ID, model.DefaultListOptions())
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if total != 2 || len(changes) != 2 {
		t.Fatalf("got %d changes (total %d), want 2", len(changes), total)
	}
	if got, want := string(changes[1].Snapshot), string(bc.Snapshot()); got != want {
		t.Errorf("latest stored snapshot = %s, want %s", got, want)
	}
	if len(bc.DrainJournal()) != 0 {
		t.Error("journal still has pending records after Tick")
	}

	state, err := statedump.Read(cfg.StatePath)
	if err != nil {
		t.Fatalf("statedump.Read: %v", err)
	}
	if state.Suite != "forecast" || state.RunID != run.ID {
		t.Errorf("header = %+v", state.Header)
	}
	if got, want := string(state.Broadcast), string(bc.Snapshot())+"\n"; got != want {
		t.Errorf("broadcast entry = %q, want %q", got, want)
	}

	// Nothing new: a second tick stores nothing.
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if _, total, _ := st.ListChanges(context.Background(), run.ID, model.DefaultListOptions()); total != 2 {
		t.Errorf("total after idle tick = %d, want 2", total)
	}
}

func TestTick_RetriesBacklog(t *testing.T) {
	st, bc, run := testSetup(t)
	fs := &failingStore{Store: st, fail: true}
	cfg := DefaultConfig()
	cfg.RunID = run.ID
	loop := NewLoop(bc, fs, cfg, testLogger())

	put(t, bc, model.ScopeAll, model.Settings{"script": "true"})
	if err := loop.Tick(context.Background()); err == nil {
		t.Fatal("expected error from failing store")
	}

	put(t, bc, model.ScopeAll, model.Settings{"script": "false"})
	fs.fail = false
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	changes, _, err := st.ListChanges(context.Background(), run.ID, model.DefaultListOptions())
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if got, want := string(changes[1].Snapshot), string(bc.Snapshot()); got != want {
		t.Errorf("order lost: last stored = %s, want %s", got, want)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	st, bc, run := testSetup(t)
	cfg := DefaultConfig()
	cfg.RunID = run.ID
	cfg.Interval = time.Hour
	loop := NewLoop(bc, st, cfg, testLogger())

	put(t, bc, model.ScopeAll, model.Settings{"script": "true"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	// The final flush stored the pending change.
	if _, total, _ := st.ListChanges(context.Background(), run.ID, model.DefaultListOptions()); total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestStop_Idempotent(t *testing.T) {
	st, bc, run := testSetup(t)
	cfg := DefaultConfig()
	cfg.RunID = run.ID
	loop := NewLoop(bc, st, cfg, testLogger())

	go loop.Start(context.Background())
	if err := loop.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := loop.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
