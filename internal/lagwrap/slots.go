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
	"context"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/semaphore"
)

// SlotGate runs at most one call per client at a time, the way a single
// client connection processes its methods in order. A call may give its
// slot up early through the Lease it holds, letting the client's next call
// start while it is still being delayed.
type SlotGate struct {
	pinned mapset.Set[string]

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewSlotGate returns a gate. Calls to a pinned method can never release
// their slot early.
func NewSlotGate(pinned ...string) *SlotGate {
	return &SlotGate{
		pinned: mapset.NewSet(pinned...),
		slots:  map[string]*slot{},
	}
}

// Acquire waits for client's slot and returns the lease that holds it.
// The caller must call Done when the call finishes.
func (g *SlotGate) Acquire(ctx context.Context, client, method string) (*Lease, error) {
	g.mu.Lock()
	s, ok := g.slots[client]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		g.slots[client] = s
	}
	s.refs++
	g.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		g.unref(client, s)
		return nil, err
	}
	return &Lease{
		pinned: g.pinned.Contains(method),
		release: func() {
			s.sem.Release(1)
			g.unref(client, s)
		},
	}, nil
}

func (g *SlotGate) unref(client string, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 && g.slots[client] == s {
		delete(g.slots, client)
	}
}

// Clients reports how many clients currently hold or wait for a slot.
func (g *SlotGate) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

// Lease is one call's hold on its client slot. It implements Unblocker.
type Lease struct {
	pinned   bool
	released atomic.Bool
	release  func()
}

var _ Unblocker = (*Lease)(nil)

// ReleaseConcurrencySlot frees the slot ahead of Done. It reports NoOp for
// pinned methods and when the slot was already released.
func (l *Lease) ReleaseConcurrencySlot() UnblockResult {
	if l.pinned || !l.released.CompareAndSwap(false, true) {
		return NoOp
	}
	l.release()
	return Unblocked
}

// Done frees the slot if it is still held.
func (l *Lease) Done() {
	if l.released.CompareAndSwap(false, true) {
		l.release()
	}
}
