package broadcast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/me/cyclecast/internal/taskid"
	"github.com/me/cyclecast/pkg/model"
)

// ErrMalformedTaskID is returned by Get for task IDs that are not of the
// form "<name>.<cycle>".
var ErrMalformedTaskID = taskid.ErrMalformed

// placeholderNamespace keys each settings item in the fragment handed to the
// Validator.
const placeholderNamespace = "(namespace)"

// Validator checks a configuration fragment of the form
// {"runtime": {"(namespace)": settings}} against the suite schema.
type Validator interface {
	Validate(fragment map[string]any) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(fragment map[string]any) error

func (f ValidatorFunc) Validate(fragment map[string]any) error { return f(fragment) }

// Store owns the broadcast override tree, the snapshot of its last encoded
// form and the change journal. All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	tree      model.Tree
	last      []byte
	journal   journal
	ancestors Ancestors

	validator Validator
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures optional Store behaviour.
type Option func(*Store)

// WithClock sets the clock used to timestamp change records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store. validator may be nil, in which case every
// put is accepted.
func New(ancestors Ancestors, validator Validator, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		tree:      model.Tree{},
		ancestors: ancestors.clone(),
		validator: validator,
		logger:    logger.With("component", "broadcast"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.last = []byte(codecMagic + CodecVersion + " {}")
	return s
}

// SetAncestors replaces the linearization table, for example after a suite
// reload.
func (s *Store) SetAncestors(ancestors Ancestors) {
	a := ancestors.clone()
	s.mu.Lock()
	s.ancestors = a
	s.mu.Unlock()
	s.logger.Info("ancestors updated", "namespaces", len(a))
}

// Put merges every settings item into every namespace at every cycle. A
// settings list that fails validation is rejected as a whole and the tree is
// left untouched.
func (s *Store) Put(namespaces, cycles []string, settings []model.Settings) (bool, string) {
	if err := checkTargets(namespaces, cycles); err != nil {
		s.logger.Info("broadcast rejected", "namespaces", namespaces, "cycles", cycles, "error", err)
		return false, err.Error()
	}
	if err := s.validate(settings); err != nil {
		s.logger.Info("broadcast rejected", "namespaces", namespaces, "cycles", cycles, "error", err)
		return false, err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cycle := range cycles {
		scope, ok := s.tree[cycle]
		if !ok {
			scope = make(map[string]model.Settings)
			s.tree[cycle] = scope
		}
		for _, ns := range namespaces {
			target, ok := scope[ns]
			if !ok {
				target = model.Settings{}
				scope[ns] = target
			}
			for _, item := range settings {
				MergeUnset(target, item)
			}
		}
	}
	pruneTree(s.tree)
	s.recordChange("put")
	return true, "OK"
}

// checkTargets rejects names no task ID could ever resolve to.
func checkTargets(namespaces, cycles []string) error {
	for _, ns := range namespaces {
		if ns == "" {
			return errors.New("empty namespace")
		}
	}
	for _, cycle := range cycles {
		if cycle == "" {
			return errors.New("empty cycle point")
		}
	}
	return nil
}

func (s *Store) validate(settings []model.Settings) error {
	for _, item := range settings {
		// Everything that enters the tree must encode, or snapshots would fail.
		if _, err := json.Marshal(item); err != nil {
			return fmt.Errorf("unencodable settings: %w", err)
		}
		if s.validator == nil {
			continue
		}
		fragment := map[string]any{
			"runtime": map[string]any{placeholderNamespace: item},
		}
		if err := s.validator.Validate(fragment); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the overrides that apply to taskID. With an empty taskID it
// returns the whole tree as scope -> namespace -> settings. The result is a
// fresh copy the caller may modify.
func (s *Store) Get(taskID string) (model.Settings, error) {
	if taskID == "" {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return treeSettings(s.tree), nil
	}
	id, err := taskid.Parse(taskID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(s.tree, s.ancestors, id), nil
}

// Tree returns a deep copy of the override tree.
func (s *Store) Tree() model.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTree(s.tree)
}

// Expire removes every cycle-point scope earlier than cutoff. ScopeAll is
// never expired by age. An empty cutoff removes everything.
func (s *Store) Expire(cutoff string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cutoff == "" {
		s.logger.Warn("expiring all broadcast settings now")
		s.tree = model.Tree{}
	} else {
		for scope := range s.tree {
			if scope == model.ScopeAll {
				continue
			}
			if taskid.CompareCycles(scope, cutoff) < 0 {
				s.logger.Warn("expiring broadcast settings now", "cycle", scope)
				delete(s.tree, scope)
			}
		}
	}
	s.recordChange("expire")
}

// Clear removes all broadcast settings.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = model.Tree{}
	s.recordChange("clear")
}

// recordChange journals the current tree if its encoding differs from the
// last one. Callers hold the write lock.
func (s *Store) recordChange(op string) {
	snap, err := EncodeTree(s.tree)
	if err != nil {
		s.logger.Error("snapshot failed", "op", op, "error", err)
		return
	}
	if bytes.Equal(snap, s.last) {
		return
	}
	s.journal.append(s.now(), snap)
	s.last = snap
	s.logger.Debug("broadcast change journaled", "op", op, "bytes", len(snap))
}

// DrainJournal returns the pending change records in the order they were
// made and marks them consumed. Consumed records are kept for Journal.
func (s *Store) DrainJournal() []model.ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal.drain()
}

// Journal returns every change record, consumed or not.
func (s *Store) Journal() []model.ChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journal.all()
}

// Snapshot returns the encoded form of the current tree.
func (s *Store) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bytes.Clone(s.last)
}

// Restore replaces the tree with the decoded snapshot. The data is trusted
// and not validated; nothing is journaled, so it suits recovery of state that
// is already persisted. On error the held tree is kept.
func (s *Store) Restore(data []byte) error {
	tree, err := decodePruned(data)
	if err != nil {
		return err
	}
	snap, err := EncodeTree(tree)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tree = tree
	s.last = snap
	s.mu.Unlock()

	s.logger.Info("broadcast settings restored", "scopes", len(tree))
	return nil
}

// Dump writes the snapshot as a single newline-terminated state-dump entry.
func (s *Store) Dump(w io.Writer) error {
	snap := s.Snapshot()
	if _, err := w.Write(append(snap, '\n')); err != nil {
		return fmt.Errorf("write broadcast dump: %w", err)
	}
	return nil
}

// Load replaces the tree with a state-dump entry written by Dump. Unlike
// Restore it is an operator change and is journaled.
func (s *Store) Load(data []byte) error {
	tree, err := decodePruned(bytes.TrimSuffix(data, []byte("\n")))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = tree
	s.recordChange("load")
	s.logger.Info("broadcast settings loaded", "scopes", len(tree))
	return nil
}

func decodePruned(data []byte) (model.Tree, error) {
	tree, err := DecodeTree(data)
	if err != nil {
		return nil, err
	}
	pruneTree(tree)
	return tree, nil
}

// Stats summarises the tree and journal.
func (s *Store) Stats() model.StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := model.StoreStats{
		Scopes:         len(s.tree),
		JournalTotal:   len(s.journal.records),
		JournalPending: s.journal.pending(),
	}
	for _, namespaces := range s.tree {
		st.Namespaces += len(namespaces)
	}
	return st
}
