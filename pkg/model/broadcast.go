package model

import "time"

// ScopeAll is the scope key whose overrides apply at every cycle point.
const ScopeAll = "all"

// RootNamespace is the namespace every task inherits from.
const RootNamespace = "root"

// Settings is a nested mapping of runtime configuration keys. Leaves are
// strings, booleans, numbers or sequences; inner nodes are Settings or
// map[string]any.
type Settings = map[string]any

// Tree holds every broadcast override: scope key (ScopeAll or a cycle
// point) -> namespace -> settings.
type Tree map[string]map[string]Settings

// ChangeRecord is one journaled change of the broadcast tree.
type ChangeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Snapshot  []byte    `json:"snapshot"`
	Pending   bool      `json:"pending"`
}

// SuiteRun identifies one run of a suite; persisted change records are
// keyed by it.
type SuiteRun struct {
	ID        string    `json:"id"`
	Suite     string    `json:"suite"`
	StartedAt time.Time `json:"started_at"`
}

// StoredChange is a change record as persisted by the store.
type StoredChange struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Snapshot  []byte    `json:"snapshot"`
}
