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

// Package recordstore defines the record model shared by every lag tier and
// the storage contract the tiers are written against.
//
// # Record kinds
//
// A record is addressed by its Key (type, name, level). Three kinds share the
// same shape:
//
//   - config records: Type "config", Level is the tier that wrote it.
//   - state records: Type "state", e.g. the per-tier "initialized" marker.
//   - target records: Type is the category ("method", "publication"), Level
//     is empty and Name is the wrapped target.
//
// Optional fields are pointers; nil means "inherit".
package recordstore

import (
	"encoding/json"
	"math"
	"time"
)

const (
	TypeConfig = "config"
	TypeState  = "state"
)

// Key identifies exactly one record.
type Key struct {
	Type  string `json:"type" yaml:"type"`
	Name  string `json:"name" yaml:"name"`
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

// ConfigKey returns the key of a config record written by level.
func ConfigKey(name, level string) Key {
	return Key{Type: TypeConfig, Name: name, Level: level}
}

// StateKey returns the key of a state record written by level.
func StateKey(name, level string) Key {
	return Key{Type: TypeState, Name: name, Level: level}
}

// TargetKey returns the key of a per-target override record.
func TargetKey(category, name string) Key {
	return Key{Type: category, Name: name}
}

// Record is a single policy datum.
type Record struct {
	Key `yaml:",inline"`

	Value      any    `json:"value,omitempty" yaml:"value,omitempty"`
	IsActive   *bool  `json:"isActive,omitempty" yaml:"isActive,omitempty"`
	DelayMS    *int64 `json:"delay,omitempty" yaml:"delay,omitempty"`
	IsExcluded *bool  `json:"isExcluded,omitempty" yaml:"isExcluded,omitempty"`
	IsBlocking *bool  `json:"isBlocking,omitempty" yaml:"isBlocking,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitzero" yaml:"updatedAt,omitempty"`
}

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	c := r
	c.IsActive = cloneptr(r.IsActive)
	c.DelayMS = cloneptr(r.DelayMS)
	c.IsExcluded = cloneptr(r.IsExcluded)
	c.IsBlocking = cloneptr(r.IsBlocking)
	return c
}

// Active reports whether the record's value is in effect: isActive is
// either unset or explicitly true.
func (r Record) Active() bool {
	return r.IsActive == nil || *r.IsActive
}

// Excluded reports whether the target record is excluded from delay.
func (r Record) Excluded() bool {
	return r.IsExcluded != nil && *r.IsExcluded
}

// Blocking reports whether the target record is forced blocking.
func (r Record) Blocking() bool {
	return r.IsBlocking != nil && *r.IsBlocking
}

// Delay returns the explicit per-target delay, if one is set.
func (r Record) Delay() (time.Duration, bool) {
	if r.DelayMS == nil {
		return 0, false
	}
	return time.Duration(*r.DelayMS) * time.Millisecond, true
}

func cloneptr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// NormalizeValue converts decoded numeric values to int64 when they are
// integral so that every store hands back the same Go types.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		if n > math.MaxInt64 {
			return float64(n)
		}
		return int64(n)
	case float32:
		return NormalizeValue(float64(n))
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return v
	}
}
