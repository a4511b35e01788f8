package store

import (
	"context"

	"github.com/me/cyclecast/pkg/model"
)

// Store defines the persistence layer for broadcast change records.
type Store interface {
	// Suite runs
	CreateRun(ctx context.Context, run *model.SuiteRun) error
	GetRun(ctx context.Context, id string) (*model.SuiteRun, error)
	LatestRun(ctx context.Context, suite string) (*model.SuiteRun, error)

	// Broadcast change records
	RecordChanges(ctx context.Context, runID string, records []model.ChangeRecord) error
	ListChanges(ctx context.Context, runID string, opts model.ListOptions) ([]*model.StoredChange, int, error)
	LatestSnapshot(ctx context.Context, runID string) ([]byte, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
