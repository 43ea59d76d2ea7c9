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

package lagwrap

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lagrunner/config"
	"github.com/cardinalhq/lagrunner/internal/lagconfig"
)

// recordingSleeper captures requested delays instead of sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration{}, s.delays...)
}

type sequentialIDs struct{ n atomic.Int64 }

func (s *sequentialIDs) NextID() int64 { return s.n.Add(1) }

func newTestBase(t *testing.T, settingsYAML string, logger *slog.Logger) *lagconfig.Base {
	t.Helper()
	settings, err := config.ParseLagSettings([]byte(settingsYAML))
	require.NoError(t, err)
	b, err := lagconfig.NewBase(context.Background(), lagconfig.BaseOptions{Settings: settings, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestWrapper(t *testing.T, b *lagconfig.Base, category string) (*Wrapper, *recordingSleeper) {
	t.Helper()
	c, err := lagconfig.NewCategory(context.Background(), category, b, lagconfig.Settings{})
	require.NoError(t, err)
	sleeper := &recordingSleeper{}
	return NewWrapper(c, WithSleeper(sleeper.Sleep), WithIDGenerator(&sequentialIDs{})), sleeper
}

const scenarioSettings = `
lagConfig:
  base:
    defaultDelay: 2000
  method:
    delays:
      bar: 500
      baz: 300
    exclude: [me]
    forceBlocking: [login]
`

func TestWrap_DelaysThenPassesThrough(t *testing.T) {
	ctx := context.Background()
	w, sleeper := newTestWrapper(t, newTestBase(t, scenarioSettings, nil), lagconfig.CategoryMethod)

	boom := errors.New("boom")
	var calls atomic.Int32
	fn := Wrap(w, "bar", func(ctx context.Context, req string) (int, error) {
		calls.Add(1)
		if req == "fail" {
			return 7, boom
		}
		return len(req), nil
	})

	n, err := fn(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = fn(ctx, "fail")
	assert.Same(t, boom, err)
	assert.Equal(t, 7, n)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, sleeper.Delays())
}

func TestWrap_ResolvesPerTarget(t *testing.T) {
	ctx := context.Background()
	w, sleeper := newTestWrapper(t, newTestBase(t, scenarioSettings, nil), lagconfig.CategoryMethod)

	for _, name := range []string{"foo", "bar", "baz", "me"} {
		w.Inject(ctx, name)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 500 * time.Millisecond, 300 * time.Millisecond}, sleeper.Delays())
}

func TestWrap_DisabledDoesNotSleep(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, scenarioSettings, nil)
	w, sleeper := newTestWrapper(t, b, lagconfig.CategoryMethod)
	require.NoError(t, b.SetConfigOption(ctx, "disable", true))

	called := false
	fn := w.WrapHandler("foo", func(ctx context.Context, args ...any) (any, error) {
		called = true
		return args, nil
	})
	out, err := fn(ctx, 1, "two")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, []any{1, "two"}, out)
	assert.Empty(t, sleeper.Delays())
}

func TestWrap_NoOpUnblockSkipsDelay(t *testing.T) {
	w, sleeper := newTestWrapper(t, newTestBase(t, scenarioSettings, nil), lagconfig.CategoryMethod)

	var releases atomic.Int32
	ctx := WithUnblocker(context.Background(), UnblockerFunc(func() UnblockResult {
		releases.Add(1)
		return NoOp
	}))

	called := false
	fn := Wrap(w, "foo", func(ctx context.Context, _ struct{}) (string, error) {
		called = true
		return "ok", nil
	})
	out, err := fn(ctx, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.True(t, called)
	assert.Equal(t, int32(1), releases.Load())
	assert.Empty(t, sleeper.Delays())
}

func TestWrap_UnblockedStillDelays(t *testing.T) {
	w, sleeper := newTestWrapper(t, newTestBase(t, scenarioSettings, nil), lagconfig.CategoryMethod)

	var releases atomic.Int32
	ctx := WithUnblocker(context.Background(), UnblockerFunc(func() UnblockResult {
		releases.Add(1)
		return Unblocked
	}))

	assert.Equal(t, 2*time.Second, w.Inject(ctx, "foo"))
	assert.Equal(t, int32(1), releases.Load())
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Delays())
}

func TestWrap_ForcedBlockingNeverUnblocks(t *testing.T) {
	w, sleeper := newTestWrapper(t, newTestBase(t, scenarioSettings, nil), lagconfig.CategoryMethod)

	ctx := WithUnblocker(context.Background(), UnblockerFunc(func() UnblockResult {
		t.Fatal("forced-blocking targets must not release their slot")
		return NoOp
	}))
	w.Inject(ctx, "login")
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Delays())
}

func TestWrap_UnblockDisabledGlobally(t *testing.T) {
	b := newTestBase(t, scenarioSettings, nil)
	require.NoError(t, b.SetConfigOption(context.Background(), "unblock", false))
	w, sleeper := newTestWrapper(t, b, lagconfig.CategoryMethod)

	ctx := WithUnblocker(context.Background(), UnblockerFunc(func() UnblockResult { return NoOp }))
	w.Inject(ctx, "foo")
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Delays(), "no unblock requested, so NoOp is never seen")
}

func TestWrap_NoUnblockerOnContext(t *testing.T) {
	w, sleeper := newTestWrapper(t, newTestBase(t, scenarioSettings, nil), lagconfig.CategoryMethod)
	w.Inject(context.Background(), "baz")
	assert.Equal(t, []time.Duration{300 * time.Millisecond}, sleeper.Delays())
}

func TestWrap_TraceLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	b := newTestBase(t, `
lagConfig:
  base:
    log: true
  method:
    delays: {bar: 500}
`, logger)
	w, _ := newTestWrapper(t, b, lagconfig.CategoryMethod)

	w.Inject(context.Background(), "bar")
	assert.Contains(t, buf.String(), "msg=lag")
	assert.Contains(t, buf.String(), "category=method")
	assert.Contains(t, buf.String(), "delay=500")
	assert.Contains(t, buf.String(), "target=bar")
}

func TestWrap_RegistersNames(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, scenarioSettings, nil)
	w, _ := newTestWrapper(t, b, lagconfig.CategoryPublication)

	noop := func(ctx context.Context, args ...any) (any, error) { return nil, nil }
	dict := w.WrapDict(map[string]Handler{"feedA": noop, "feedB": noop})
	arr := w.WrapArray([]Handler{noop, noop})
	_ = Wrap(w, "feedA", func(ctx context.Context, _ int) (int, error) { return 0, nil })

	assert.Len(t, dict, 2)
	assert.Len(t, arr, 2)

	entries, err := b.Names().List(ctx, lagconfig.CategoryPublication)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
		assert.Equal(t, lagconfig.CategoryPublication, e.Type)
		assert.Positive(t, e.ID)
	}
	assert.ElementsMatch(t, []string{"feedA", "feedB", "feedA"}, names)
}

func TestNewWrapper_GivenIDGeneratorIsUsed(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(t, scenarioSettings, nil)
	c, err := lagconfig.NewCategory(ctx, lagconfig.CategoryMethod, b, lagconfig.Settings{})
	require.NoError(t, err)

	ids := &sequentialIDs{}
	var w *Wrapper
	require.NotPanics(t, func() { w = NewWrapper(c, WithIDGenerator(ids)) })
	w.Register(ctx, "one")
	w.Register(ctx, "two")

	entries, err := b.Names().List(ctx, lagconfig.CategoryMethod)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, int64(2), entries[1].ID)
	assert.Equal(t, int64(2), ids.n.Load())
}

func TestNewWrapper_DefaultIDGenerator(t *testing.T) {
	b := newTestBase(t, scenarioSettings, nil)
	c, err := lagconfig.NewCategory(context.Background(), lagconfig.CategoryMethod, b, lagconfig.Settings{})
	require.NoError(t, err)

	require.NotPanics(t, func() { NewWrapper(c) })
}

func TestWrapArray_AnonymousTargetsUseDefault(t *testing.T) {
	w, sleeper := newTestWrapper(t, newTestBase(t, scenarioSettings, nil), lagconfig.CategoryMethod)

	var got []int
	hs := w.WrapArray([]Handler{
		func(ctx context.Context, args ...any) (any, error) { got = append(got, 0); return nil, nil },
		func(ctx context.Context, args ...any) (any, error) { got = append(got, 1); return nil, nil },
	})
	for _, h := range hs {
		_, err := h(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 1}, got)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.Delays())
}
