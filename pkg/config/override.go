package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// With returns a copy of s with the field at path set to value. path uses
// the JSON field names joined by dots; list elements are addressed by
// index, e.g. "procedure.drain_target_level" or "lineups.2.rated_flow".
// The field must already exist; empty omitempty fields cannot be set.
func (s Scenario) With(path string, value interface{}) (Scenario, error) {
	if path == "" {
		return Scenario{}, fmt.Errorf("empty override path")
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return Scenario{}, fmt.Errorf("failed to encode scenario: %w", err)
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return Scenario{}, fmt.Errorf("failed to decode scenario: %w", err)
	}

	if err := setPath(tree, strings.Split(path, "."), value); err != nil {
		return Scenario{}, fmt.Errorf("override %s: %w", path, err)
	}

	raw, err = json.Marshal(tree)
	if err != nil {
		return Scenario{}, fmt.Errorf("override %s: %w", path, err)
	}
	var out Scenario
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return Scenario{}, fmt.Errorf("override %s: %w", path, err)
	}
	return out, nil
}

// WithString is With for a value written on the command line. The value is
// decoded as a YAML scalar, so "120", "true" and "RHR_CROSSTIE" become a
// number, a bool and a string.
func (s Scenario) WithString(path, value string) (Scenario, error) {
	var v interface{}
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return Scenario{}, fmt.Errorf("override %s: bad value %q: %w", path, value, err)
	}
	return s.With(path, v)
}

func setPath(node interface{}, keys []string, value interface{}) error {
	key := keys[0]
	last := len(keys) == 1

	switch n := node.(type) {
	case map[string]interface{}:
		child, ok := n[key]
		if !ok {
			return fmt.Errorf("unknown field %q", key)
		}
		if last {
			n[key] = value
			return nil
		}
		return setPath(child, keys[1:], value)
	case []interface{}:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(n) {
			return fmt.Errorf("index %q out of range [0,%d)", key, len(n))
		}
		if last {
			n[i] = value
			return nil
		}
		return setPath(n[i], keys[1:], value)
	default:
		return fmt.Errorf("%q is not a struct or list", key)
	}
}
