// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LagSettings is the lag policy document read once at startup. It keeps
// key case intact, unlike viper, because target names are case sensitive.
//
// The document looks like:
//
//	lagConfig:
//	  base:
//	    defaultDelay: 2000
//	  method:
//	    delays: {slowMethod: 500}
//	    exclude: [login]
type LagSettings struct {
	doc map[string]any
}

// NewLagSettings wraps an already decoded document. A nil doc is empty.
func NewLagSettings(doc map[string]any) *LagSettings {
	if doc == nil {
		doc = map[string]any{}
	}
	return &LagSettings{doc: doc}
}

// ParseLagSettings decodes a YAML (or JSON) settings document.
func ParseLagSettings(data []byte) (*LagSettings, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lag settings: %w", err)
	}
	return NewLagSettings(doc), nil
}

// LoadLagSettings reads the settings file at path. A missing file yields
// empty settings so that built-in defaults apply.
func LoadLagSettings(path string) (*LagSettings, error) {
	if path == "" {
		return NewLagSettings(nil), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewLagSettings(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lag settings: %w", err)
	}
	return ParseLagSettings(data)
}

// Lookup resolves a dotted path such as "lagConfig.method" to a mapping.
// It returns false when any segment is missing or the leaf is not a mapping.
func (s *LagSettings) Lookup(path string) (map[string]any, bool) {
	var cur any = s.doc
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return asMap(cur)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}
