// Package broadcast holds runtime configuration overrides ("broadcasts")
// that apply to future task instances without editing the suite definition.
//
// The override tree maps a scope key (ScopeAll or a cycle point) to a
// namespace and then to a nested settings mapping mirroring the suite's
// runtime configuration. Settings are merged with unset semantics: a
// broadcast of an empty value removes a previously broadcast override
// rather than setting an empty one. After every mutation the tree is pruned
// so no empty mapping or unset leaf is ever observable.
//
// Resolution for a task ID "<name>.<cycle>" visits ScopeAll and then the
// task's cycle point. In each scope the most specific namespace of the
// task's linearized ancestry that has overrides wins, so a cycle-specific
// override beats an all-cycles one for the same keys.
//
// Every mutation that changes the encoded tree appends a ChangeRecord to an
// in-memory journal. A persistence component drains the journal on its own
// schedule; drained records stay in memory for audit.
package broadcast
