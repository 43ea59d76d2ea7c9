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
	"context"
	"sync"

	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

// ConfigCache mirrors the config records of one tier level in memory.
// Reads never touch the store.
type ConfigCache struct {
	level string

	mu      sync.RWMutex
	entries map[string]recordstore.Record
	cancel  func()
}

func NewConfigCache(level string) *ConfigCache {
	return &ConfigCache{
		level:   level,
		entries: map[string]recordstore.Record{},
	}
}

// Level is the tier level whose records the cache mirrors.
func (c *ConfigCache) Level() string {
	return c.level
}

// SetDefault installs v under name unless an entry already exists. It
// reports whether v was installed.
func (c *ConfigCache) SetDefault(name string, v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return false
	}
	c.entries[name] = recordstore.Record{
		Key:   recordstore.ConfigKey(name, c.level),
		Value: recordstore.NormalizeValue(v),
	}
	return true
}

// Get returns the value cached under name if it is set and active.
func (c *ConfigCache) Get(name string) (any, bool) {
	r, ok := c.Raw(name)
	if !ok || !r.Active() {
		return nil, false
	}
	return r.Value, true
}

// Raw returns the whole cached record, active or not.
func (c *ConfigCache) Raw(name string) (recordstore.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[name]
	return r, ok
}

func (c *ConfigCache) set(r recordstore.Record) {
	c.mu.Lock()
	c.entries[r.Name] = r
	c.mu.Unlock()
}

// CacheCollection subscribes to the config records of this level in store
// and keeps the cache in step with every added or changed record.
// Calling it again replaces the previous subscription.
func (c *ConfigCache) CacheCollection(ctx context.Context, store recordstore.Store) error {
	cancel, err := store.Subscribe(ctx,
		recordstore.Filter{Type: recordstore.TypeConfig, Level: c.level},
		func(ev recordstore.Event) { c.set(ev.Record) },
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.cancel
	c.cancel = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// Close stops following the store.
func (c *ConfigCache) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
