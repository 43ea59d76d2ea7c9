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

import "context"

// UnblockResult reports what releasing a concurrency slot achieved.
type UnblockResult int

const (
	// Unblocked means the caller's slot was freed and other work may run
	// while this invocation waits.
	Unblocked UnblockResult = iota
	// NoOp means nothing was released, either because the transport does
	// not allow it for this call or because it was already released.
	NoOp
)

func (r UnblockResult) String() string {
	if r == Unblocked {
		return "unblocked"
	}
	return "noop"
}

// Unblocker detaches an in-flight invocation from the slot it occupies.
type Unblocker interface {
	ReleaseConcurrencySlot() UnblockResult
}

// UnblockerFunc adapts a plain function to Unblocker.
type UnblockerFunc func() UnblockResult

func (f UnblockerFunc) ReleaseConcurrencySlot() UnblockResult { return f() }

type unblockerKey struct{}

// WithUnblocker returns a context carrying u for the interceptor to use.
func WithUnblocker(ctx context.Context, u Unblocker) context.Context {
	return context.WithValue(ctx, unblockerKey{}, u)
}

// UnblockerFromContext returns the Unblocker on ctx, if any.
func UnblockerFromContext(ctx context.Context) (Unblocker, bool) {
	u, ok := ctx.Value(unblockerKey{}).(Unblocker)
	return u, ok && u != nil
}
