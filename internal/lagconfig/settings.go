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

package lagconfig

import (
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// SettingsSource resolves a dotted path to a settings mapping. It is read
// once per tier at initialization.
type SettingsSource interface {
	Lookup(path string) (map[string]any, bool)
}

// SettingsPath returns the settings path for a tier level.
func SettingsPath(level string) string {
	return "lagConfig." + level
}

// Settings is one tier's configuration document. A nil Delays, Exclude or
// ForceBlocking means the key is absent; a non-nil empty value is present
// and replaces whatever was stored before.
type Settings struct {
	Options       map[Option]any
	Delays        map[string]time.Duration
	Exclude       []string
	ForceBlocking []string
}

// WithOption returns a copy of s with opt set.
func (s Settings) WithOption(opt Option, v any) Settings {
	out := s.clone()
	out.Options[opt] = v
	return out
}

// Option returns the value of opt and whether it is present.
func (s Settings) Option(opt Option) (any, bool) {
	v, ok := s.Options[opt]
	return v, ok
}

func (s Settings) clone() Settings {
	out := Settings{Options: make(map[Option]any, len(s.Options))}
	for k, v := range s.Options {
		out.Options[k] = v
	}
	if s.Delays != nil {
		out.Delays = make(map[string]time.Duration, len(s.Delays))
		for k, v := range s.Delays {
			out.Delays[k] = v
		}
	}
	if s.Exclude != nil {
		out.Exclude = append([]string{}, s.Exclude...)
	}
	if s.ForceBlocking != nil {
		out.ForceBlocking = append([]string{}, s.ForceBlocking...)
	}
	return out
}

// Merge overlays over on top of base, key by key. over wins.
func Merge(base, over Settings) Settings {
	out := base.clone()
	for k, v := range over.Options {
		out.Options[k] = v
	}
	if over.Delays != nil {
		out.Delays = over.clone().Delays
	}
	if over.Exclude != nil {
		out.Exclude = append([]string{}, over.Exclude...)
	}
	if over.ForceBlocking != nil {
		out.ForceBlocking = append([]string{}, over.ForceBlocking...)
	}
	return out
}

// ParseSettings validates a decoded settings mapping. Unknown keys are
// ignored. Every recognized value is type checked; the first problem is
// returned wrapped in ErrInvalidInput.
func ParseSettings(raw map[string]any) (Settings, error) {
	s := Settings{Options: map[Option]any{}}
	for key, val := range raw {
		switch key {
		case "delays":
			delays, err := parseDelays(val)
			if err != nil {
				return Settings{}, err
			}
			s.Delays = delays
		case "exclude":
			names, err := parseNames(key, val)
			if err != nil {
				return Settings{}, err
			}
			s.Exclude = names
		case "forceBlocking":
			names, err := parseNames(key, val)
			if err != nil {
				return Settings{}, err
			}
			s.ForceBlocking = names
		default:
			opt, ok := ParseOption(key)
			if !ok {
				continue
			}
			v, err := opt.normalize(val)
			if err != nil {
				return Settings{}, err
			}
			s.Options[opt] = v
		}
	}
	return s, nil
}

func parseDelays(val any) (map[string]time.Duration, error) {
	m, ok := val.(map[string]any)
	if !ok {
		if val == nil {
			return map[string]time.Duration{}, nil
		}
		return nil, fmt.Errorf("%w: delays must be a mapping of target name to milliseconds, got %T", ErrInvalidInput, val)
	}
	out := make(map[string]time.Duration, len(m))
	for name, v := range m {
		ms, ok := asMillis(v)
		if name == "" || !ok || ms < 0 {
			return nil, fmt.Errorf("%w: delay for %q must be a non-negative number of milliseconds, got %v", ErrInvalidInput, name, v)
		}
		out[name] = millis(ms)
	}
	return out, nil
}

func parseNames(key string, val any) ([]string, error) {
	switch list := val.(type) {
	case nil:
		return []string{}, nil
	case []string:
		return append([]string{}, list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, v := range list {
			name, ok := v.(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("%w: %s entries must be non-empty strings, got %v", ErrInvalidInput, key, v)
			}
			out = append(out, name)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of target names, got %T", ErrInvalidInput, key, val)
	}
}

// union returns the sorted union of both lists, without duplicates.
func union(a, b []string) []string {
	set := mapset.NewSet[string](a...)
	set.Append(b...)
	out := set.ToSlice()
	sort.Strings(out)
	return out
}
