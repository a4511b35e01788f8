// Package suite loads the namespace inheritance of a suite and computes the
// linearized ancestry used to resolve broadcast overrides.
package suite

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/me/cyclecast/internal/broadcast"
	"github.com/me/cyclecast/pkg/model"
)

// File is the on-disk namespace description.
//
//	namespaces:
//	  FAM: {}                  # inherits root
//	  task1: {inherit: [FAM]}
//	ancestors:                 # explicit chains win over computed ones
//	  legacy: [legacy, root]
type File struct {
	Namespaces map[string]Namespace `yaml:"namespaces"`
	Ancestors  map[string][]string  `yaml:"ancestors"`
}

// Namespace lists the direct parents of a namespace, highest precedence
// first. An empty list means the root namespace.
type Namespace struct {
	Inherit []string `yaml:"inherit"`
}

// Load reads and linearizes the namespace file at path.
func Load(path string) (broadcast.Ancestors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite namespaces: %w", err)
	}
	return Parse(data)
}

// Parse decodes a namespace file and linearizes it.
func Parse(data []byte) (broadcast.Ancestors, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse suite namespaces: %w", err)
	}
	parents := make(map[string][]string, len(f.Namespaces))
	for name, ns := range f.Namespaces {
		parents[name] = ns.Inherit
	}
	out, err := Linearize(parents)
	if err != nil {
		return nil, err
	}
	for name, chain := range f.Ancestors {
		if len(chain) == 0 || chain[0] != name {
			return nil, fmt.Errorf("ancestors of %q must start with %q", name, name)
		}
		out[name] = append([]string(nil), chain...)
	}
	return out, nil
}

// Linearize computes the C3 linearization of every namespace given its
// direct parents. Namespaces without parents inherit from root, and root is
// always present.
func Linearize(parents map[string][]string) (broadcast.Ancestors, error) {
	l := &linearizer{
		parents: make(map[string][]string, len(parents)+1),
		done:    make(broadcast.Ancestors, len(parents)+1),
		active:  make(map[string]bool),
	}
	for name, p := range parents {
		if name != model.RootNamespace && len(p) == 0 {
			p = []string{model.RootNamespace}
		}
		l.parents[name] = p
	}
	l.parents[model.RootNamespace] = nil

	names := make([]string, 0, len(l.parents))
	for name := range l.parents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := l.linearize(name); err != nil {
			return nil, err
		}
	}
	return l.done, nil
}

type linearizer struct {
	parents map[string][]string
	done    broadcast.Ancestors
	active  map[string]bool
}

func (l *linearizer) linearize(name string) ([]string, error) {
	if chain, ok := l.done[name]; ok {
		return chain, nil
	}
	parents, ok := l.parents[name]
	if !ok {
		return nil, fmt.Errorf("namespace %q is not defined", name)
	}
	if l.active[name] {
		return nil, fmt.Errorf("namespace %q inherits from itself", name)
	}
	l.active[name] = true
	defer delete(l.active, name)

	seqs := make([][]string, 0, len(parents)+1)
	for _, p := range parents {
		chain, err := l.linearize(p)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, append([]string(nil), chain...))
	}
	seqs = append(seqs, append([]string(nil), parents...))

	merged, err := c3merge(seqs)
	if err != nil {
		return nil, fmt.Errorf("namespace %q: %w", name, err)
	}
	chain := append([]string{name}, merged...)
	l.done[name] = chain
	return chain, nil
}

// c3merge repeatedly takes the first head that appears in no other
// sequence's tail.
func c3merge(seqs [][]string) ([]string, error) {
	var out []string
	for {
		nonEmpty := seqs[:0]
		for _, s := range seqs {
			if len(s) > 0 {
				nonEmpty = append(nonEmpty, s)
			}
		}
		seqs = nonEmpty
		if len(seqs) == 0 {
			return out, nil
		}

		var head string
		for _, s := range seqs {
			if !inTail(s[0], seqs) {
				head = s[0]
				break
			}
		}
		if head == "" {
			return nil, fmt.Errorf("inconsistent inheritance order")
		}
		out = append(out, head)
		for i, s := range seqs {
			if s[0] == head {
				seqs[i] = s[1:]
			}
		}
	}
}

func inTail(name string, seqs [][]string) bool {
	for _, s := range seqs {
		for _, n := range s[1:] {
			if n == name {
				return true
			}
		}
	}
	return false
}
