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

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by stores that have been shut down.
var ErrClosed = errors.New("record store closed")

// Filter selects records. Empty fields match anything.
type Filter struct {
	Type  string
	Name  string
	Level string
}

// Matches reports whether r satisfies f.
func (f Filter) Matches(r Record) bool {
	if f.Type != "" && f.Type != r.Type {
		return false
	}
	if f.Name != "" && f.Name != r.Name {
		return false
	}
	if f.Level != "" && f.Level != r.Level {
		return false
	}
	return true
}

type EventKind int

const (
	EventAdded EventKind = iota
	EventChanged
)

func (k EventKind) String() string {
	if k == EventAdded {
		return "added"
	}
	return "changed"
}

// Event is delivered to subscribers for every record that is created or
// modified. Record is a private copy.
type Event struct {
	Kind   EventKind
	Record Record
}

// Observer receives change events. It must not block for long; stores may
// deliver events from the writer's goroutine.
type Observer func(Event)

// Store is the policy record store shared by all tiers of a process.
type Store interface {
	// Get returns the record with exactly this key.
	Get(ctx context.Context, key Key) (Record, bool, error)
	// Find returns every record matching f.
	Find(ctx context.Context, f Filter) ([]Record, error)
	// Upsert creates the record if needed and applies the patch to it.
	Upsert(ctx context.Context, key Key, p Patch) error
	// UpdateAll applies the patch to every existing record matching f and
	// returns how many records were touched.
	UpdateAll(ctx context.Context, f Filter, p Patch) (int, error)
	// Subscribe replays the current matches of f as EventAdded and then
	// streams further changes until the returned cancel func is called.
	Subscribe(ctx context.Context, f Filter, obs Observer) (cancel func(), err error)
}

// TargetName is one entry of the append-only target registry.
type TargetName struct {
	ID        int64     `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Type      string    `json:"type" yaml:"type"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// NameLog records every target that has ever been wrapped.
type NameLog interface {
	Insert(ctx context.Context, entry TargetName) error
	List(ctx context.Context, typ string) ([]TargetName, error)
}
