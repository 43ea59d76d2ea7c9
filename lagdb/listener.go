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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

type changeNotification struct {
	Op    string `json:"op"`
	Type  string `json:"type"`
	Name  string `json:"name"`
	Level string `json:"level"`
}

func parseNotification(payload string) (recordstore.Key, recordstore.EventKind, error) {
	var n changeNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return recordstore.Key{}, 0, fmt.Errorf("invalid lag record notification %q: %w", payload, err)
	}
	key := recordstore.Key{Type: n.Type, Name: n.Name, Level: n.Level}
	switch n.Op {
	case "INSERT":
		return key, recordstore.EventAdded, nil
	case "UPDATE":
		return key, recordstore.EventChanged, nil
	default:
		return key, 0, fmt.Errorf("unexpected lag record notification op %q", n.Op)
	}
}

// listen follows lag record notifications until ctx is cancelled,
// reconnecting with backoff.
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)

	backoff := time.Second
	reconnect := false
	for {
		err := s.listenOnce(ctx, reconnect, func() { backoff = time.Second })
		if ctx.Err() != nil {
			return
		}
		s.listenerState(false)
		s.logger.Warn("Lag record listener disconnected",
			slog.Any("error", err),
			slog.Duration("retryIn", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxListenerBackoff)
		reconnect = true
	}
}

func (s *Store) listenOnce(ctx context.Context, reconnect bool, connected func()) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A listening connection must not go back to the pool.
	conn := pooled.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	connected()
	s.listenerState(true)
	if reconnect {
		s.logger.Info("Lag record listener reconnected, resyncing subscribers")
		s.resync(ctx)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.handleNotification(ctx, n.Payload)
	}
}

func (s *Store) handleNotification(ctx context.Context, payload string) {
	key, kind, err := parseNotification(payload)
	if err != nil {
		s.logger.Warn("Ignoring lag record notification", slog.Any("error", err))
		return
	}
	s.recordCache.Delete(key)

	r, found, err := s.GetUncached(ctx, key)
	if err != nil {
		s.logger.Warn("Failed to load changed lag record",
			slog.String("type", key.Type),
			slog.String("name", key.Name),
			slog.String("level", key.Level),
			slog.Any("error", err))
		return
	}
	if !found {
		return
	}
	s.dispatch(recordstore.Event{Kind: kind, Record: r})
}
