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
	"sort"
	"sync"
	"time"
)

// MemStore is the transient Store used when persistence is off. Change
// events are delivered synchronously, in write order, after the write has
// been committed. Observers must not write to the store they observe.
type MemStore struct {
	mu      sync.RWMutex
	records map[Key]Record

	// notifyMu serialises delivery so observers see events in commit order.
	notifyMu sync.Mutex
	subs     map[uint64]subscription
	nextSub  uint64

	now func() time.Time
}

type subscription struct {
	filter Filter
	obs    Observer
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		records: map[Key]Record{},
		subs:    map[uint64]subscription{},
		now:     time.Now,
	}
}

func (s *MemStore) Get(_ context.Context, key Key) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return Record{}, false, nil
	}
	return r.Clone(), true, nil
}

func (s *MemStore) Find(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemStore) Upsert(_ context.Context, key Key, p Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	r, exists := s.records[key]
	if !exists {
		r = Record{Key: key}
	}
	p.Apply(&r)
	r.UpdatedAt = s.now()
	s.records[key] = r

	kind := EventChanged
	if !exists {
		kind = EventAdded
	}
	s.deliverLocked([]Event{{Kind: kind, Record: r}})
	return nil
}

func (s *MemStore) UpdateAll(_ context.Context, f Filter, p Patch) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	now := s.now()
	var events []Event
	for k, r := range s.records {
		if !f.Matches(r) {
			continue
		}
		p.Apply(&r)
		r.UpdatedAt = now
		s.records[k] = r
		events = append(events, Event{Kind: EventChanged, Record: r})
	}
	s.deliverLocked(events)
	return len(events), nil
}

// deliverLocked is called with s.mu held for writing. It hands the events
// to matching observers after releasing s.mu.
func (s *MemStore) deliverLocked(events []Event) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, ev := range events {
		for _, sub := range s.subs {
			if sub.filter.Matches(ev.Record) {
				sub.obs(Event{Kind: ev.Kind, Record: ev.Record.Clone()})
			}
		}
	}
}

func (s *MemStore) Subscribe(_ context.Context, f Filter, obs Observer) (func(), error) {
	s.mu.Lock()
	var existing []Record
	for _, r := range s.records {
		if f.Matches(r) {
			existing = append(existing, r.Clone())
		}
	}
	sortRecords(existing)

	s.notifyMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = subscription{filter: f, obs: obs}
	s.mu.Unlock()

	for _, r := range existing {
		obs(Event{Kind: EventAdded, Record: r})
	}
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notifyMu.Lock()
			delete(s.subs, id)
			s.notifyMu.Unlock()
		})
	}, nil
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i].Key, rs[j].Key
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.Name < b.Name
	})
}

// MemNameLog is the transient NameLog.
type MemNameLog struct {
	mu      sync.Mutex
	entries []TargetName
	now     func() time.Time
}

var _ NameLog = (*MemNameLog)(nil)

func NewMemNameLog() *MemNameLog {
	return &MemNameLog{now: time.Now}
}

func (l *MemNameLog) Insert(_ context.Context, entry TargetName) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.ID == 0 {
		entry.ID = int64(len(l.entries) + 1)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	l.entries = append(l.entries, entry)
	return nil
}

// List returns the entries of typ in insertion order; an empty typ lists all.
func (l *MemNameLog) List(_ context.Context, typ string) ([]TargetName, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TargetName, 0, len(l.entries))
	for _, e := range l.entries {
		if typ == "" || e.Type == typ {
			out = append(out, e)
		}
	}
	return out, nil
}
