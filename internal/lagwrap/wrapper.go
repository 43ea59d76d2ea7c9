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

// Package lagwrap applies the delay policy of a lag category around
// arbitrary handlers.
package lagwrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/cardinalhq/lagrunner/internal/idgen"
	"github.com/cardinalhq/lagrunner/internal/lagconfig"
	"github.com/cardinalhq/lagrunner/internal/logctx"
	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

// Sleeper suspends the calling goroutine for d. Delays do not observe
// context cancellation.
type Sleeper func(d time.Duration)

// Wrapper wraps handlers belonging to one category.
type Wrapper struct {
	category *lagconfig.Category
	logger   *slog.Logger
	sleep    Sleeper
	ids      idgen.Generator
}

type Option func(*Wrapper)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Wrapper) { w.logger = logger }
}

func WithSleeper(s Sleeper) Option {
	return func(w *Wrapper) { w.sleep = s }
}

func WithIDGenerator(g idgen.Generator) Option {
	return func(w *Wrapper) { w.ids = g }
}

func NewWrapper(category *lagconfig.Category, opts ...Option) *Wrapper {
	w := &Wrapper{
		category: category,
		logger:   category.Logger(),
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.ids == nil {
		w.ids = idgen.Default()
	}
	return w
}

func (w *Wrapper) Category() *lagconfig.Category { return w.category }

// Register appends a target-name entry for name. Registration is an audit
// trail only: failures are logged and otherwise ignored.
func (w *Wrapper) Register(ctx context.Context, name string) {
	if name == "" {
		return
	}
	err := w.category.Names().Insert(ctx, recordstore.TargetName{
		ID:   w.ids.NextID(),
		Name: name,
		Type: w.category.Type(),
	})
	if err != nil {
		w.logger.Warn("Failed to record target name", slog.String("target", name), slog.Any("error", err))
	}
}

// Inject runs the delay step for one invocation of target name and reports
// how long it slept.
//
// When the category asks for the target to be unblocked and ctx carries an
// Unblocker, the slot is released first. A NoOp result means the slot
// cannot be freed, and the delay is skipped rather than holding it.
func (w *Wrapper) Inject(ctx context.Context, name string) time.Duration {
	typ := w.category.Type()
	delay := w.category.Delay(ctx, name)

	if w.category.Base().LogEnabled(ctx) {
		logctx.FromContextOr(ctx, w.logger).Info("lag",
			slog.String("category", typ),
			slog.Int64("delay", delay.Milliseconds()),
			slog.String("target", name))
	}

	if delay <= 0 {
		recordSkipped(ctx, typ, skipDisabled)
		return 0
	}

	unblocked := false
	if w.category.ShouldUnblock(ctx, name) {
		if u, ok := UnblockerFromContext(ctx); ok {
			if u.ReleaseConcurrencySlot() == NoOp {
				recordSkipped(ctx, typ, skipNoOp)
				return 0
			}
			unblocked = true
		}
	}

	span := startDelaySpan(ctx, typ, name, delay, unblocked)
	w.sleep(delay)
	span.End()
	recordInjected(ctx, typ, delay, unblocked)
	return delay
}

// Wrap returns fn with the delay step in front of it. Arguments, results
// and errors pass through untouched.
func Wrap[Req, Resp any](w *Wrapper, name string, fn func(context.Context, Req) (Resp, error)) func(context.Context, Req) (Resp, error) {
	w.Register(context.Background(), name)
	return func(ctx context.Context, req Req) (Resp, error) {
		w.Inject(ctx, name)
		return fn(ctx, req)
	}
}

// Handler is the untyped handler shape used for bulk wrapping.
type Handler func(ctx context.Context, args ...any) (any, error)

// WrapHandler wraps a single Handler. An empty name wraps an anonymous
// target that is never registered.
func (w *Wrapper) WrapHandler(name string, h Handler) Handler {
	w.Register(context.Background(), name)
	return func(ctx context.Context, args ...any) (any, error) {
		w.Inject(ctx, name)
		return h(ctx, args...)
	}
}

// WrapDict wraps every handler in m, using its key as the target name.
func (w *Wrapper) WrapDict(m map[string]Handler) map[string]Handler {
	out := make(map[string]Handler, len(m))
	for name, h := range m {
		out[name] = w.WrapHandler(name, h)
	}
	return out
}

// WrapArray wraps every handler in hs as an anonymous target.
func (w *Wrapper) WrapArray(hs []Handler) []Handler {
	out := make([]Handler, len(hs))
	for i, h := range hs {
		out[i] = w.WrapHandler("", h)
	}
	return out
}
