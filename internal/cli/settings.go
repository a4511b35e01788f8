package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/cyclecast/pkg/model"
)

var errEmptyKey = errors.New("empty setting key")

// parseSetting turns "[section][sub]key=value" into a nested settings item.
// Sections are optional: "command scripting=echo hi" sets a top-level key.
func parseSetting(s string) (model.Settings, error) {
	lhs, value, ok := strings.Cut(s, "=")
	if !ok {
		return nil, fmt.Errorf("setting %q: expected [section]key=value", s)
	}
	path, err := settingPath(lhs)
	if err != nil {
		return nil, fmt.Errorf("setting %q: %w", s, err)
	}
	return nest(path, strings.TrimSpace(value)), nil
}

// parseUnset turns "[section]key" into an item that removes key. Clearing a
// whole section is "[section]" alone.
func parseUnset(s string) (model.Settings, error) {
	path, err := settingPath(s)
	if err != nil {
		return nil, fmt.Errorf("unset %q: %w", s, err)
	}
	return nest(path, ""), nil
}

func settingPath(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	var path []string
	for strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return nil, errors.New("unterminated section")
		}
		section := strings.TrimSpace(s[1:end])
		if section == "" {
			return nil, errors.New("empty section name")
		}
		path = append(path, section)
		s = strings.TrimSpace(s[end+1:])
	}
	if s != "" {
		path = append(path, s)
	}
	if len(path) == 0 {
		return nil, errEmptyKey
	}
	return path, nil
}

func nest(path []string, value any) model.Settings {
	leaf := model.Settings{path[len(path)-1]: value}
	for i := len(path) - 2; i >= 0; i-- {
		leaf = model.Settings{path[i]: leaf}
	}
	return leaf
}

// loadSettingsFile reads one settings item from a YAML file.
func loadSettingsFile(path string) (model.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	var item model.Settings
	if err := yaml.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	if len(item) == 0 {
		return nil, fmt.Errorf("settings file %s is empty", path)
	}
	for k, v := range item {
		if err := checkStringKeys(v, k); err != nil {
			return nil, fmt.Errorf("settings file %s: %w", path, err)
		}
	}
	return item, nil
}

// checkStringKeys rejects mappings yaml.v3 could only decode with non-string
// keys, which cannot be sent as JSON.
func checkStringKeys(v any, at string) error {
	switch v := v.(type) {
	case map[string]any:
		for k, child := range v {
			if err := checkStringKeys(child, at+"."+k); err != nil {
				return err
			}
		}
	case map[any]any:
		for k := range v {
			if _, ok := k.(string); !ok {
				return fmt.Errorf("non-string key %v at %s", k, at)
			}
		}
		return fmt.Errorf("mixed key types at %s", at)
	case []any:
		for i, child := range v {
			if err := checkStringKeys(child, fmt.Sprintf("%s[%d]", at, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
