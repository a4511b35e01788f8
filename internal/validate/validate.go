// Package validate checks runtime configuration fragments against a CUE
// schema of the suite's runtime section.
package validate

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed runtime.cue
var defaultSchema string

// Issue is one schema violation.
type Issue struct {
	Path    string
	Message string
}

// Error lists every violation found in a fragment.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Path == "" {
			parts = append(parts, is.Message)
			continue
		}
		parts = append(parts, is.Path+": "+is.Message)
	}
	return "invalid settings: " + strings.Join(parts, "; ")
}

// Schema validates fragments shaped {"runtime": {<namespace>: settings}}.
// CUE values are not safe for concurrent use, so Validate serializes calls.
type Schema struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewSchema compiles CUE source. The source must define a runtime field.
func NewSchema(src string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("runtime.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if !v.LookupPath(cue.ParsePath("runtime")).Exists() {
		return nil, errors.New("compile schema: no runtime field")
	}
	return &Schema{ctx: ctx, schema: v}, nil
}

// LoadSchema compiles the CUE schema file at path.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return NewSchema(string(data))
}

// Default returns the built-in runtime schema.
func Default() *Schema {
	s, err := NewSchema(defaultSchema)
	if err != nil {
		panic(fmt.Sprintf("built-in runtime schema: %v", err))
	}
	return s
}

// Validate returns an *Error describing every violation in fragment.
func (s *Schema) Validate(fragment map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(plain(fragment))
	if err := data.Err(); err != nil {
		return newError(err)
	}
	if err := s.schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return newError(err)
	}
	return nil
}

// plain replaces json.Number leaves with int64 or float64 so CUE sees numbers.
func plain(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = plain(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = plain(x)
		}
		return out
	}
	return v
}

func newError(err error) *Error {
	var issues []Issue
	for _, ce := range cueerrors.Errors(err) {
		format, args := ce.Msg()
		issues = append(issues, Issue{
			Path:    settingsPath(ce.Path()),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Message: err.Error()})
	}
	return &Error{Issues: issues}
}

// settingsPath drops the runtime.<namespace> prefix so paths read like the
// settings the caller sent.
func settingsPath(path []string) string {
	if len(path) >= 2 && path[0] == "runtime" {
		path = path[2:]
	}
	return strings.Join(path, ".")
}
