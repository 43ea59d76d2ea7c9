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

package lagdb

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/lagrunner/internal/idgen"
	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

const (
	notifyChannel      = "lag_records_changed"
	defaultCacheTTL    = 30 * time.Second
	maxListenerBackoff = 30 * time.Second
)

// Store is the persistent recordstore.Store and recordstore.NameLog. Point
// reads go through a short-lived cache; change events for writes made by
// this process are delivered after commit, and writes made by other
// processes arrive over LISTEN/NOTIFY.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	ids    idgen.Generator

	recordCache *ttlcache.Cache[recordstore.Key, recordCacheValue]

	// deliverMu serialises replay and dispatch so every subscriber sees
	// events in order.
	deliverMu sync.Mutex
	subsMu    sync.Mutex
	subs      map[uint64]subscription
	nextSub   uint64

	listenerState func(connected bool)

	ownsPool bool
	cancel   context.CancelFunc
	done     chan struct{}
	closed   atomic.Bool
}

type subscription struct {
	filter recordstore.Filter
	obs    recordstore.Observer
}

var (
	_ recordstore.Store   = (*Store)(nil)
	_ recordstore.NameLog = (*Store)(nil)
)

type StoreOption func(*Store)

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithIDGenerator sets the source of target-name ids.
func WithIDGenerator(ids idgen.Generator) StoreOption {
	return func(s *Store) { s.ids = ids }
}

// WithListenerState reports whether the change listener is connected. While
// it is not, changes made by other processes do not reach this store. fn is
// called from the listener goroutine.
func WithListenerState(fn func(connected bool)) StoreOption {
	return func(s *Store) { s.listenerState = fn }
}

// NewStore wraps pool and starts the change listener. The caller owns the
// pool unless the store was created by Open.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{
		pool:   pool,
		logger: slog.Default(),
		recordCache: ttlcache.New(
			ttlcache.WithTTL[recordstore.Key, recordCacheValue](defaultCacheTTL),
			ttlcache.WithDisableTouchOnHit[recordstore.Key, recordCacheValue](),
		),
		subs: map[uint64]subscription{},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		s.ids = idgen.Default()
	}
	if s.listenerState == nil {
		s.listenerState = func(bool) {}
	}
	s.listenerState(false)
	s.logger = s.logger.With(slog.String("component", "lagdb"))

	go s.recordCache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(ctx)
	return s
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	<-s.done
	s.recordCache.Stop()
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, f recordstore.Filter, obs recordstore.Observer) (func(), error) {
	if s.closed.Load() {
		return nil, recordstore.ErrClosed
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	existing, err := s.Find(ctx, f)
	if err != nil {
		return nil, err
	}

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = subscription{filter: f, obs: obs}
	s.subsMu.Unlock()

	for _, r := range existing {
		obs(recordstore.Event{Kind: recordstore.EventAdded, Record: r})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}, nil
}

func (s *Store) snapshotSubs() []subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	out := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *Store) dispatch(events ...recordstore.Event) {
	if len(events) == 0 {
		return
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	subs := s.snapshotSubs()
	for _, ev := range events {
		for _, sub := range subs {
			if sub.filter.Matches(ev.Record) {
				sub.obs(recordstore.Event{Kind: ev.Kind, Record: ev.Record.Clone()})
			}
		}
	}
}

// resync replays the current state of every subscription as change events.
// It runs after the listener reconnects, since notifications sent while it
// was down are lost.
func (s *Store) resync(ctx context.Context) {
	s.recordCache.DeleteAll()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	for _, sub := range s.snapshotSubs() {
		records, err := s.Find(ctx, sub.filter)
		if err != nil {
			s.logger.Warn("Failed to resync lag record subscription", slog.Any("error", err))
			continue
		}
		for _, r := range records {
			sub.obs(recordstore.Event{Kind: recordstore.EventChanged, Record: r})
		}
	}
}
