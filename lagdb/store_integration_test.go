//go:build integration

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

package lagdb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lagrunner/config"
	"github.com/cardinalhq/lagrunner/internal/lagconfig"
	"github.com/cardinalhq/lagrunner/internal/recordstore"
	"github.com/cardinalhq/lagrunner/lagdb"
	"github.com/cardinalhq/lagrunner/testhelpers"
)

type eventLog struct {
	mu     sync.Mutex
	events []recordstore.Event
}

func (l *eventLog) observe(ev recordstore.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []recordstore.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordstore.Event{}, l.events...)
}

func TestStore_UpsertGetFind(t *testing.T) {
	ctx := context.Background()
	s := testhelpers.NewTestLagStore(t)

	key := recordstore.TargetKey("method", "bar")
	_, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Upsert(ctx, key, recordstore.Set(recordstore.FieldDelay, 500)))
	r, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found, "a negative cache entry is dropped on write")
	d, ok := r.Delay()
	assert.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d)
	assert.Nil(t, r.IsExcluded)

	require.NoError(t, s.Upsert(ctx, key, recordstore.Set(recordstore.FieldIsExcluded, true)))
	r, _, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, r.Excluded())
	_, ok = r.Delay()
	assert.True(t, ok, "fields not in the patch are untouched")

	require.NoError(t, s.Upsert(ctx, recordstore.ConfigKey("defaultDelay", "base"),
		recordstore.Set(recordstore.FieldValue, 2000)))
	found2, err := s.Find(ctx, recordstore.Filter{Type: recordstore.TypeConfig})
	require.NoError(t, err)
	require.Len(t, found2, 1)
	assert.Equal(t, int64(2000), found2[0].Value)
}

func TestStore_UpdateAll(t *testing.T) {
	ctx := context.Background()
	s := testhelpers.NewTestLagStore(t)

	for _, name := range []string{"a", "b"} {
		require.NoError(t, s.Upsert(ctx, recordstore.TargetKey("method", name), recordstore.Set(recordstore.FieldIsExcluded, true)))
	}
	require.NoError(t, s.Upsert(ctx, recordstore.TargetKey("publication", "c"), recordstore.Set(recordstore.FieldIsExcluded, true)))

	n, err := s.UpdateAll(ctx, recordstore.Filter{Type: "method"}, recordstore.Unset(recordstore.FieldIsExcluded))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, _, err := s.Get(ctx, recordstore.TargetKey("method", "a"))
	require.NoError(t, err)
	assert.False(t, r.Excluded())
	r, _, err = s.Get(ctx, recordstore.TargetKey("publication", "c"))
	require.NoError(t, err)
	assert.True(t, r.Excluded())
}

func TestStore_SubscribeReplaysAndStreams(t *testing.T) {
	ctx := context.Background()
	s := testhelpers.NewTestLagStore(t)

	require.NoError(t, s.Upsert(ctx, recordstore.ConfigKey("disable", "base"), recordstore.Set(recordstore.FieldValue, false)))

	var log eventLog
	cancel, err := s.Subscribe(ctx, recordstore.Filter{Type: recordstore.TypeConfig, Level: "base"}, log.observe)
	require.NoError(t, err)
	defer cancel()

	events := log.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, recordstore.EventAdded, events[0].Kind)

	require.NoError(t, s.Upsert(ctx, recordstore.ConfigKey("disable", "base"), recordstore.Set(recordstore.FieldValue, true)))
	require.NoError(t, s.Upsert(ctx, recordstore.ConfigKey("disable", "method"), recordstore.Set(recordstore.FieldValue, true)))

	events = log.snapshot()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, recordstore.EventChanged, events[1].Kind)
	assert.Equal(t, true, events[1].Record.Value)
	for _, ev := range events {
		assert.Equal(t, "base", ev.Record.Level)
	}
}

func TestStore_SeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	pool := testhelpers.SetupTestLagDB(t)
	reader := lagdb.NewStore(pool)
	writer := lagdb.NewStore(pool)
	t.Cleanup(func() {
		_ = reader.Close()
		_ = writer.Close()
	})

	var log eventLog
	cancel, err := reader.Subscribe(ctx, recordstore.Filter{Type: "method"}, log.observe)
	require.NoError(t, err)
	defer cancel()

	// The reader's listener connects asynchronously, so keep writing until
	// a notification gets through.
	require.Eventually(t, func() bool {
		if err := writer.Upsert(ctx, recordstore.TargetKey("method", "bar"), recordstore.Set(recordstore.FieldDelay, 250)); err != nil {
			return false
		}
		return len(log.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)
	ev := log.snapshot()[0]
	assert.Equal(t, "bar", ev.Record.Name)
	d, _ := ev.Record.Delay()
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestStore_Names(t *testing.T) {
	ctx := context.Background()
	s := testhelpers.NewTestLagStore(t)

	require.NoError(t, s.Insert(ctx, recordstore.TargetName{Name: "foo", Type: "method"}))
	require.NoError(t, s.Insert(ctx, recordstore.TargetName{Name: "feed", Type: "publication"}))

	methods, err := s.List(ctx, "method")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, "foo", methods[0].Name)
	assert.Positive(t, methods[0].ID)
	assert.False(t, methods[0].CreatedAt.IsZero())

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_PersistsAcrossBaseRestarts(t *testing.T) {
	ctx := context.Background()
	pool := testhelpers.SetupTestLagDB(t)
	open := func(context.Context) (lagconfig.Backend, error) {
		s := lagdb.NewStore(pool)
		return lagconfig.Backend{Store: s, Names: s}, nil
	}
	settings := config.NewLagSettings(map[string]any{
		"lagConfig": map[string]any{"base": map[string]any{"persist": true}},
	})

	first, err := lagconfig.NewBase(ctx, lagconfig.BaseOptions{Settings: settings, OpenPersistent: open})
	require.NoError(t, err)
	require.NoError(t, first.SetConfigOption(ctx, "defaultDelay", 750))
	require.NoError(t, first.Close())

	second, err := lagconfig.NewBase(ctx, lagconfig.BaseOptions{Settings: settings, OpenPersistent: open})
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	assert.Equal(t, 750*time.Millisecond, second.DefaultDelay(ctx))
}

func TestStore_ListenerStateConnected(t *testing.T) {
	var (
		mu   sync.Mutex
		last []bool
	)
	testhelpers.NewTestLagStore(t, lagdb.WithListenerState(func(connected bool) {
		mu.Lock()
		defer mu.Unlock()
		last = append(last, connected)
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) > 0 && last[len(last)-1]
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, last[0], "the store starts out disconnected")
}
