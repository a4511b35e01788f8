// Package taskid parses task identifiers and orders cycle points.
package taskid

import (
	"errors"
	"fmt"
	"strings"
)

// Delim separates the namespace from the cycle point in a task ID.
const Delim = "."

// ErrMalformed is returned for task IDs without a namespace and a cycle point.
var ErrMalformed = errors.New("malformed task id")

// ID is a parsed task identifier.
type ID struct {
	Name  string
	Cycle string
}

func (id ID) String() string {
	return id.Name + Delim + id.Cycle
}

// Parse splits "<name>.<cycle>" at the last delimiter.
func Parse(s string) (ID, error) {
	i := strings.LastIndex(s, Delim)
	if i < 0 {
		return ID{}, fmt.Errorf("%w: %q has no %q delimiter", ErrMalformed, s, Delim)
	}
	id := ID{Name: s[:i], Cycle: s[i+len(Delim):]}
	if id.Name == "" || id.Cycle == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return id, nil
}

// CompareCycles orders two cycle points. Purely numeric points (for example
// 2020010100) compare by value so that points of different width still sort
// correctly; anything else compares lexically, which is correct for
// fixed-width timestamp tokens.
func CompareCycles(a, b string) int {
	if isDigits(a) && isDigits(b) {
		a = strings.TrimLeft(a, "0")
		b = strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
