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

package recordstore

import "fmt"

// Field names a mutable record field.
type Field int

const (
	FieldValue Field = iota
	FieldIsActive
	FieldDelay
	FieldIsExcluded
	FieldIsBlocking
)

func (f Field) String() string {
	switch f {
	case FieldValue:
		return "value"
	case FieldIsActive:
		return "isActive"
	case FieldDelay:
		return "delay"
	case FieldIsExcluded:
		return "isExcluded"
	case FieldIsBlocking:
		return "isBlocking"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// Change is one field assignment. A nil Value unsets the field.
type Change struct {
	Field Field
	Value any
}

// Patch is an ordered list of field changes. Fields the patch does not
// mention are left untouched by Upsert and UpdateAll.
type Patch []Change

// Set returns a patch assigning a single field.
func Set(f Field, v any) Patch {
	return Patch{{Field: f, Value: v}}
}

// Unset returns a patch clearing a single field.
func Unset(f Field) Patch {
	return Patch{{Field: f}}
}

// Set appends an assignment.
func (p Patch) Set(f Field, v any) Patch {
	return append(p, Change{Field: f, Value: v})
}

// Unset appends a clear.
func (p Patch) Unset(f Field) Patch {
	return append(p, Change{Field: f})
}

// Validate checks the value types of every change.
func (p Patch) Validate() error {
	for _, c := range p {
		if c.Value == nil {
			continue
		}
		switch c.Field {
		case FieldValue:
		case FieldIsActive, FieldIsExcluded, FieldIsBlocking:
			if _, ok := c.Value.(bool); !ok {
				return fmt.Errorf("%s must be a bool, got %T", c.Field, c.Value)
			}
		case FieldDelay:
			if _, ok := NormalizeValue(c.Value).(int64); !ok {
				return fmt.Errorf("%s must be an integer number of milliseconds, got %T", c.Field, c.Value)
			}
		default:
			return fmt.Errorf("unknown field %s", c.Field)
		}
	}
	return nil
}

// Apply applies the patch to r in place. The patch must be valid.
func (p Patch) Apply(r *Record) {
	for _, c := range p {
		switch c.Field {
		case FieldValue:
			r.Value = NormalizeValue(c.Value)
		case FieldIsActive:
			r.IsActive = boolptr(c.Value)
		case FieldDelay:
			if c.Value == nil {
				r.DelayMS = nil
			} else {
				ms := NormalizeValue(c.Value).(int64)
				r.DelayMS = &ms
			}
		case FieldIsExcluded:
			r.IsExcluded = boolptr(c.Value)
		case FieldIsBlocking:
			r.IsBlocking = boolptr(c.Value)
		}
	}
}

func boolptr(v any) *bool {
	if v == nil {
		return nil
	}
	b := v.(bool)
	return &b
}
