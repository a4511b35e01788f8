package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/me/cyclecast/internal/statedump"
	"github.com/me/cyclecast/internal/store"
	"github.com/me/cyclecast/pkg/model"
)

// ErrNoPreviousRun is returned by OpenRun when restarting a suite that has
// never run.
var ErrNoPreviousRun = errors.New("no previous run to restart")

// Restorer accepts recovered broadcast state without journaling it.
type Restorer interface {
	Restore(data []byte) error
}

// Recovery sources reported by Recover.
const (
	SourceNone      = ""
	SourceStateDump = "state-dump"
	SourceDatabase  = "database"
)

// OpenRun starts a new run of suite, or with restart set resumes the most
// recent one.
func OpenRun(ctx context.Context, st store.Store, suite string, restart bool) (*model.SuiteRun, error) {
	if restart {
		run, err := st.LatestRun(ctx, suite)
		if err != nil {
			return nil, fmt.Errorf("find previous run: %w", err)
		}
		if run == nil {
			return nil, fmt.Errorf("%w of suite %q", ErrNoPreviousRun, suite)
		}
		return run, nil
	}
	run := &model.SuiteRun{
		ID:        "run_" + uuid.New().String(),
		Suite:     suite,
		StartedAt: time.Now().UTC(),
	}
	if err := st.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Recover restores the broadcasts of runID into dst. The state dump is
// written after the database on every flush, so it is preferred when it
// belongs to the same run.
func Recover(ctx context.Context, st store.Store, dst Restorer, runID, statePath string) (string, error) {
	if statePath != "" {
		state, err := statedump.Read(statePath)
		switch {
		case err == nil && state.RunID == runID:
			if err := dst.Restore(bytes.TrimSuffix(state.Broadcast, []byte("\n"))); err != nil {
				return SourceNone, fmt.Errorf("load state dump: %w", err)
			}
			return SourceStateDump, nil
		case err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, statedump.ErrNoBroadcast):
			return SourceNone, err
		}
	}

	snap, err := st.LatestSnapshot(ctx, runID)
	if err != nil {
		return SourceNone, fmt.Errorf("latest broadcast snapshot: %w", err)
	}
	if snap == nil {
		return SourceNone, nil
	}
	if err := dst.Restore(snap); err != nil {
		return SourceNone, fmt.Errorf("restore broadcast snapshot: %w", err)
	}
	return SourceDatabase, nil
}
