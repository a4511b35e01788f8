package broadcast

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/me/cyclecast/pkg/model"
)

// IsUnset reports whether v means "remove this override". The empty string,
// false, numeric zero, nil and empty sequences or mappings are all unset
// values; a broadcast cannot set a key to any of them.
func IsUnset(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case json.Number:
		f, err := val.Float64()
		return err == nil && f == 0
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 0
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() == 0
	}
	return false
}

// MergeUnset merges source into target in place. Nested mappings are merged
// recursively, set values overwrite, and unset values delete the key from
// target. Applying the same source twice leaves target unchanged the second
// time. Values are copied, so target never shares memory with source.
func MergeUnset(target, source model.Settings) {
	for key, val := range source {
		if sub, ok := val.(map[string]any); ok {
			dst, ok := target[key].(map[string]any)
			if !ok {
				dst = make(map[string]any, len(sub))
				target[key] = dst
			}
			MergeUnset(dst, sub)
			continue
		}
		if IsUnset(val) {
			delete(target, key)
			continue
		}
		target[key] = copyValue(val)
	}
}

// Prune removes unset leaves and the mappings left empty by their removal
// in a single bottom-up pass. It reports whether node itself is now empty.
func Prune(node model.Settings) bool {
	for key, val := range node {
		if sub, ok := val.(map[string]any); ok {
			if Prune(sub) {
				delete(node, key)
			}
			continue
		}
		if IsUnset(val) {
			delete(node, key)
		}
	}
	return len(node) == 0
}

// pruneTree prunes every namespace and drops namespaces and scopes that
// became empty.
func pruneTree(tree model.Tree) {
	for scope, namespaces := range tree {
		for name, settings := range namespaces {
			if settings == nil || Prune(settings) {
				delete(namespaces, name)
			}
		}
		if len(namespaces) == 0 {
			delete(tree, scope)
		}
	}
}

// CheckPruned returns an error naming the first empty mapping or unset leaf
// found in tree. A nil result means tree is in pruned form.
func CheckPruned(tree model.Tree) error {
	for _, scope := range sortedKeys(tree) {
		namespaces := tree[scope]
		if len(namespaces) == 0 {
			return fmt.Errorf("empty scope %q", scope)
		}
		for _, name := range sortedKeys(namespaces) {
			if err := checkPruned(namespaces[name], []string{scope, name}); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkPruned(node model.Settings, path []string) error {
	if len(node) == 0 {
		return fmt.Errorf("empty mapping at %s", strings.Join(path, "/"))
	}
	for _, key := range sortedKeys(node) {
		p := append(path[:len(path):len(path)], key)
		if sub, ok := node[key].(map[string]any); ok {
			if err := checkPruned(sub, p); err != nil {
				return err
			}
			continue
		}
		if IsUnset(node[key]) {
			return fmt.Errorf("unset leaf at %s", strings.Join(p, "/"))
		}
	}
	return nil
}

// DeepCopy returns a copy of s sharing no mappings or sequences with it.
func DeepCopy(s model.Settings) model.Settings {
	if s == nil {
		return nil
	}
	out := make(model.Settings, len(s))
	for k, v := range s {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = copyValue(elem)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	}
	return v
}

// copyTree deep-copies a whole tree.
func copyTree(tree model.Tree) model.Tree {
	out := make(model.Tree, len(tree))
	for scope, namespaces := range tree {
		ns := make(map[string]model.Settings, len(namespaces))
		for name, settings := range namespaces {
			ns[name] = DeepCopy(settings)
		}
		out[scope] = ns
	}
	return out
}

// treeSettings converts a tree to the nested settings form returned by Get
// when no task ID is given.
func treeSettings(tree model.Tree) model.Settings {
	out := make(model.Settings, len(tree))
	for scope, namespaces := range tree {
		ns := make(map[string]any, len(namespaces))
		for name, settings := range namespaces {
			ns[name] = DeepCopy(settings)
		}
		out[scope] = ns
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
