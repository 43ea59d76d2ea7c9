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
	"fmt"

	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

// Insert appends a target name. A zero ID is assigned from the store's id
// generator and a zero CreatedAt becomes the database time.
func (s *Store) Insert(ctx context.Context, entry recordstore.TargetName) error {
	if s.closed.Load() {
		return recordstore.ErrClosed
	}
	if entry.ID == 0 {
		entry.ID = s.ids.NextID()
	}
	var createdAt any
	if !entry.CreatedAt.IsZero() {
		createdAt = entry.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lag_target_names (id, name, type, created_at) VALUES ($1, $2, $3, COALESCE($4::timestamptz, now()))`,
		entry.ID, entry.Name, entry.Type, createdAt)
	if err != nil {
		return fmt.Errorf("insert target name %s/%s: %w", entry.Type, entry.Name, err)
	}
	return nil
}

// List returns the names of typ in id order; an empty typ lists all.
func (s *Store) List(ctx context.Context, typ string) ([]recordstore.TargetName, error) {
	if s.closed.Load() {
		return nil, recordstore.ErrClosed
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, type, created_at FROM lag_target_names WHERE ($1::text = '' OR type = $1) ORDER BY id`,
		typ)
	if err != nil {
		return nil, fmt.Errorf("list target names: %w", err)
	}
	defer rows.Close()

	out := []recordstore.TargetName{}
	for rows.Next() {
		var e recordstore.TargetName
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
