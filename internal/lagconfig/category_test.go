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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

func newTestCategory(t *testing.T, b *Base, typ string, initial Settings) *Category {
	t.Helper()
	c, err := NewCategory(context.Background(), typ, b, initial)
	require.NoError(t, err)
	return c
}

func TestCategory_MethodScenario(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{
		Options: map[Option]any{OptDisable: true},
		Delays:  map[string]time.Duration{"bar": 500 * time.Millisecond, "baz": 300 * time.Millisecond},
		Exclude: []string{"me"},
	})

	assert.True(t, m.IsDisabled(ctx))
	assert.Equal(t, time.Duration(0), m.Delay(ctx, "foo"))

	require.NoError(t, m.SetDisabled(ctx, false))
	assert.False(t, m.IsDisabled(ctx))
	assert.Equal(t, 2000*time.Millisecond, m.Delay(ctx, "foo"))
	assert.Equal(t, 500*time.Millisecond, m.Delay(ctx, "bar"))
	assert.Equal(t, 300*time.Millisecond, m.Delay(ctx, "baz"))
	assert.Equal(t, time.Duration(0), m.Delay(ctx, "me"))
}

func TestCategory_GlobalDisableIsMonotonic(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{
		Delays: map[string]time.Duration{"bar": 500 * time.Millisecond},
	})
	p := newTestCategory(t, b, CategoryPublication, Settings{})
	require.NoError(t, m.SetDisabled(ctx, false))

	require.NoError(t, b.SetConfigOption(ctx, "disable", true))
	for _, c := range []*Category{m, p} {
		assert.True(t, c.IsDisabled(ctx), c.Type())
		assert.Equal(t, time.Duration(0), c.Delay(ctx, "foo"), c.Type())
		assert.Equal(t, time.Duration(0), c.Delay(ctx, "bar"), c.Type())
	}

	require.NoError(t, b.SetConfigOption(ctx, "disable", false))
	assert.False(t, m.IsDisabled(ctx))
	assert.Equal(t, 500*time.Millisecond, m.Delay(ctx, "bar"))
	assert.Equal(t, 2*time.Second, p.Delay(ctx, "foo"))
}

func TestCategory_DefaultDelayFollowsBase(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{})

	assert.Equal(t, 2*time.Second, m.Delay(ctx, "anything"))
	require.NoError(t, b.SetConfigOption(ctx, "defaultDelay", 40))
	assert.Equal(t, 40*time.Millisecond, m.Delay(ctx, "anything"))
}

func TestCategory_ExclusionBeatsExplicitDelay(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{})

	require.NoError(t, m.AddDelay(ctx, "T", 500*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, m.Delay(ctx, "T"))

	require.NoError(t, m.Exclude(ctx, "T", true))
	assert.Equal(t, time.Duration(0), m.Delay(ctx, "T"))

	require.NoError(t, m.Exclude(ctx, "T", false))
	assert.Equal(t, 500*time.Millisecond, m.Delay(ctx, "T"))

	require.NoError(t, m.ClearDelay(ctx, "T"))
	assert.Equal(t, 2*time.Second, m.Delay(ctx, "T"))
}

func TestCategory_AddDelayValidation(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{})

	tests := []struct {
		name   string
		target string
		delay  time.Duration
	}{
		{"empty name", "", time.Second},
		{"negative", "foo", -time.Millisecond},
		{"sub millisecond", "foo", 1500 * time.Microsecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.AddDelay(ctx, tt.target, tt.delay)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}

	targets, err := m.Targets(ctx)
	require.NoError(t, err)
	assert.Empty(t, targets, "rejected input must not write")

	assert.ErrorIs(t, m.ClearDelay(ctx, ""), ErrInvalidInput)
	assert.ErrorIs(t, m.Exclude(ctx, "", true), ErrInvalidInput)
	assert.ErrorIs(t, m.SetForceBlocking(ctx, "", true), ErrInvalidInput)
}

func TestCategory_ApplySettingsReplacesExcludes(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{Exclude: []string{"a", "b"}})

	assert.Equal(t, time.Duration(0), m.Delay(ctx, "a"))
	assert.Equal(t, time.Duration(0), m.Delay(ctx, "b"))

	require.NoError(t, m.ApplySettings(ctx, Settings{Exclude: []string{}}))
	assert.Equal(t, 2*time.Second, m.Delay(ctx, "a"))
	assert.Equal(t, 2*time.Second, m.Delay(ctx, "b"))

	require.NoError(t, m.ApplySettings(ctx, Settings{Exclude: []string{"c"}}))
	assert.Equal(t, 2*time.Second, m.Delay(ctx, "a"))
	assert.Equal(t, time.Duration(0), m.Delay(ctx, "c"))
}

func TestCategory_ApplySettingsReplacesDelaysAndBlocking(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{
		Delays:        map[string]time.Duration{"a": 10 * time.Millisecond, "b": 20 * time.Millisecond},
		ForceBlocking: []string{"login"},
	})
	assert.True(t, m.IsBlocking(ctx, "login"))

	require.NoError(t, m.ApplySettings(ctx, Settings{
		Delays:        map[string]time.Duration{"b": 30 * time.Millisecond},
		ForceBlocking: []string{"logout"},
	}))
	assert.Equal(t, 2*time.Second, m.Delay(ctx, "a"))
	assert.Equal(t, 30*time.Millisecond, m.Delay(ctx, "b"))
	assert.False(t, m.IsBlocking(ctx, "login"))
	assert.True(t, m.IsBlocking(ctx, "logout"))

	// Absent dimensions are left alone.
	require.NoError(t, m.ApplySettings(ctx, Settings{Exclude: []string{"x"}}))
	assert.Equal(t, 30*time.Millisecond, m.Delay(ctx, "b"))
	assert.True(t, m.IsBlocking(ctx, "logout"))
}

func TestCategory_ShouldUnblock(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{ForceBlocking: []string{"login"}})

	assert.True(t, m.ShouldUnblock(ctx, "foo"))
	assert.False(t, m.ShouldUnblock(ctx, "login"))
	assert.False(t, m.IsBlocking(ctx, "never-seen"))

	require.NoError(t, b.SetConfigOption(ctx, "unblock", false))
	assert.False(t, m.ShouldUnblock(ctx, "foo"))
}

func TestCategory_PredefinedExcludesGatedByBase(t *testing.T) {
	ctx := context.Background()
	settings := staticSettings{
		"lagConfig.base":   {"usePredefinedExcludes": false},
		"lagConfig.method": {"exclude": []any{"fromSettings"}, "forceBlocking": []any{"alsoFromSettings"}},
	}
	b := newTestBase(t, BaseOptions{Settings: settings})
	m := newTestCategory(t, b, CategoryMethod, Settings{
		Exclude:       []string{"builtin"},
		ForceBlocking: []string{"builtinBlocking"},
	})

	assert.Equal(t, time.Duration(0), m.Delay(ctx, "fromSettings"))
	assert.Equal(t, 2*time.Second, m.Delay(ctx, "builtin"))
	assert.True(t, m.IsBlocking(ctx, "alsoFromSettings"))
	assert.True(t, m.IsBlocking(ctx, "builtinBlocking"), "forced blocking is always unioned")
}

func TestCategory_PredefinedExcludesUnioned(t *testing.T) {
	ctx := context.Background()
	settings := staticSettings{
		"lagConfig.method": {"exclude": []any{"fromSettings"}},
	}
	b := newTestBase(t, BaseOptions{Settings: settings})
	m := newTestCategory(t, b, CategoryMethod, Settings{Exclude: []string{"builtin"}})

	assert.Equal(t, time.Duration(0), m.Delay(ctx, "fromSettings"))
	assert.Equal(t, time.Duration(0), m.Delay(ctx, "builtin"))
}

func TestCategory_ExternalSettingsOverInitial(t *testing.T) {
	ctx := context.Background()
	settings := staticSettings{
		"lagConfig.publication": {"disable": false, "delays": map[string]any{"feed": 75}},
	}
	b := newTestBase(t, BaseOptions{Settings: settings})
	p := newTestCategory(t, b, CategoryPublication, Settings{
		Options: map[Option]any{OptDisable: true},
		Delays:  map[string]time.Duration{"other": time.Second},
	})

	assert.False(t, p.IsDisabled(ctx))
	assert.Equal(t, 75*time.Millisecond, p.Delay(ctx, "feed"))
	assert.Equal(t, 2*time.Second, p.Delay(ctx, "other"), "delays key replaces the initial map")

	v, ok, err := p.GetActiveConfig(ctx, "disable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, false, v)
}

func TestCategory_PersistedSkipsReapply(t *testing.T) {
	ctx := context.Background()
	shared := recordstore.NewMemStore()
	settings := staticSettings{
		"lagConfig.base":   {"persist": true},
		"lagConfig.method": {"delays": map[string]any{"foo": 100}},
	}

	b1 := newTestBase(t, BaseOptions{Settings: settings, OpenPersistent: persistentBackend(shared)})
	m1 := newTestCategory(t, b1, CategoryMethod, Settings{})
	assert.Equal(t, 100*time.Millisecond, m1.Delay(ctx, "foo"))
	require.NoError(t, m1.AddDelay(ctx, "foo", 900*time.Millisecond))

	b2 := newTestBase(t, BaseOptions{Settings: settings, OpenPersistent: persistentBackend(shared)})
	m2 := newTestCategory(t, b2, CategoryMethod, Settings{})
	assert.Equal(t, 900*time.Millisecond, m2.Delay(ctx, "foo"))

	settings["lagConfig.method"]["disable"] = true
	b3 := newTestBase(t, BaseOptions{Settings: settings, OpenPersistent: persistentBackend(shared)})
	m3 := newTestCategory(t, b3, CategoryMethod, Settings{})
	assert.True(t, m3.IsDisabled(ctx))
	assert.False(t, b3.Disabled(ctx))
}

func TestNewCategory_ReservedAndDuplicateNames(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})

	for _, typ := range []string{"", "config", "state", "base"} {
		_, err := NewCategory(ctx, typ, b, Settings{})
		assert.ErrorIs(t, err, ErrInvalidInput, typ)
	}

	first := newTestCategory(t, b, CategoryMethod, Settings{})
	again := newTestCategory(t, b, CategoryMethod, Settings{Exclude: []string{"ignored"}})
	assert.Same(t, first, again)
	assert.Equal(t, 2*time.Second, first.Delay(ctx, "ignored"))
}

func TestCategory_ConfigOption(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{})

	assert.Equal(t, true, m.ConfigOption(ctx, "usePredefinedExcludes"))
	assert.Nil(t, m.ConfigOption(ctx, "disable"))
	assert.Equal(t, int64(2000), m.ConfigOption(ctx, "defaultDelay"))
	assert.Nil(t, m.ConfigOption(ctx, "custom"))

	require.NoError(t, m.SetDisabled(ctx, true))
	assert.Equal(t, true, m.ConfigOption(ctx, "disable"))

	_, ok, err := m.GetActiveConfig(ctx, "log")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCategory_TargetsLists(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, BaseOptions{})
	m := newTestCategory(t, b, CategoryMethod, Settings{
		Delays:  map[string]time.Duration{"b": time.Millisecond},
		Exclude: []string{"a"},
	})

	targets, err := m.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "a", targets[0].Name)
	assert.True(t, targets[0].Excluded())
	assert.Equal(t, "b", targets[1].Name)
	assert.Equal(t, int64(1), *targets[1].DelayMS)
}

type subscribeCountingStore struct {
	recordstore.Store
	subscribes atomic.Int32
}

func (s *subscribeCountingStore) Subscribe(ctx context.Context, f recordstore.Filter, obs recordstore.Observer) (func(), error) {
	s.subscribes.Add(1)
	return s.Store.Subscribe(ctx, f, obs)
}

func TestNewCategory_ConcurrentSameType(t *testing.T) {
	store := &subscribeCountingStore{Store: recordstore.NewMemStore()}
	b := newTestBase(t, BaseOptions{
		Settings:       staticSettings{"lagConfig.base": {"persist": true}},
		OpenPersistent: persistentBackend(store),
	})
	before := store.subscribes.Load()

	const n = 16
	got := make([]*Category, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := NewCategory(context.Background(), CategoryMethod, b, Settings{})
			assert.NoError(t, err)
			got[i] = c
		}()
	}
	wg.Wait()

	for _, c := range got {
		assert.Same(t, got[0], c)
	}
	registered, ok := b.Category(CategoryMethod)
	require.True(t, ok)
	assert.Same(t, got[0], registered)
	assert.Equal(t, int32(1), store.subscribes.Load()-before, "only one category follows the store")
}
