package persist

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/me/cyclecast/internal/statedump"
	"github.com/me/cyclecast/internal/store"
	"github.com/me/cyclecast/pkg/model"
)

// Source is the broadcast state the loop persists.
type Source interface {
	DrainJournal() []model.ChangeRecord
	Dump(w io.Writer) error
}

// Config holds flush loop configuration.
type Config struct {
	Interval  time.Duration
	Suite     string
	RunID     string
	StatePath string // state-dump file; empty disables it
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second}
}

// Loop implements Flusher with a ticker-driven loop.
type Loop struct {
	source Source
	store  store.Store
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	backlog []model.ChangeRecord // drained but not yet stored

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewLoop creates a new flush loop.
func NewLoop(src Source, st store.Store, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		source: src,
		store:  st,
		config: cfg,
		logger: logger.With("component", "persist"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the flush loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("persist loop started", "interval", l.config.Interval, "run_id", l.config.RunID)
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()
	defer close(l.doneCh)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("persist loop stopping (context cancelled)")
			l.finalFlush()
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("persist loop stopping (stop called)")
			l.finalFlush()
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("flush error", "error", err)
			}
		}
	}
}

// Stop shuts down the loop and waits for the final flush to finish.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
	return nil
}

func (l *Loop) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Tick(ctx); err != nil {
		l.logger.Error("final flush error", "error", err)
	}
}

// Tick stores every pending change record and rewrites the state dump.
// Records that fail to store are retried on the next tick.
func (l *Loop) Tick(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.backlog = append(l.backlog, l.source.DrainJournal()...)
	if len(l.backlog) > 0 {
		if err := l.store.RecordChanges(ctx, l.config.RunID, l.backlog); err != nil {
			return fmt.Errorf("record %d broadcast changes: %w", len(l.backlog), err)
		}
		l.logger.Debug("broadcast changes recorded", "count", len(l.backlog))
		l.backlog = nil
	}

	if l.config.StatePath != "" {
		h := statedump.Header{Suite: l.config.Suite, RunID: l.config.RunID, Time: time.Now()}
		if err := statedump.Write(l.config.StatePath, h, l.source); err != nil {
			return fmt.Errorf("state dump: %w", err)
		}
	}
	return nil
}
