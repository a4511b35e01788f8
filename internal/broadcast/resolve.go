package broadcast

import (
	"github.com/me/cyclecast/internal/taskid"
	"github.com/me/cyclecast/pkg/model"
)

// Ancestors maps a namespace to its linearized ancestry, most specific
// first and ending at the root namespace.
type Ancestors map[string][]string

// Chain returns the ancestry of name, or nil when name is unknown.
func (a Ancestors) Chain(name string) []string {
	return a[name]
}

func (a Ancestors) clone() Ancestors {
	out := make(Ancestors, len(a))
	for name, chain := range a {
		out[name] = append([]string(nil), chain...)
	}
	return out
}

// resolve computes the effective overrides for id. Only the most specific
// namespace with overrides in a scope contributes for that scope; ScopeAll
// is applied before the cycle point so cycle-specific values win.
func resolve(tree model.Tree, ancestors Ancestors, id taskid.ID) model.Settings {
	out := model.Settings{}
	chain := ancestors.Chain(id.Name)
	if len(chain) == 0 {
		return out
	}
	for _, scope := range []string{model.ScopeAll, id.Cycle} {
		namespaces, ok := tree[scope]
		if !ok {
			continue
		}
		for _, ns := range chain {
			if settings, ok := namespaces[ns]; ok {
				MergeUnset(out, settings)
				break
			}
		}
	}
	return out
}
