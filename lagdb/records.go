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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

const recordColumns = `type, name, level, value, is_active, delay_ms, is_excluded, is_blocking, updated_at`

var fieldColumns = map[recordstore.Field]string{
	recordstore.FieldValue:      "value",
	recordstore.FieldIsActive:   "is_active",
	recordstore.FieldDelay:      "delay_ms",
	recordstore.FieldIsExcluded: "is_excluded",
	recordstore.FieldIsBlocking: "is_blocking",
}

type recordCacheValue struct {
	record recordstore.Record
	found  bool
}

func (s *Store) Get(ctx context.Context, key recordstore.Key) (recordstore.Record, bool, error) {
	if s.closed.Load() {
		return recordstore.Record{}, false, recordstore.ErrClosed
	}
	// Errors are returned to this caller only and never cached.
	var loadErr error
	loader := ttlcache.LoaderFunc[recordstore.Key, recordCacheValue](
		func(cache *ttlcache.Cache[recordstore.Key, recordCacheValue], key recordstore.Key) *ttlcache.Item[recordstore.Key, recordCacheValue] {
			r, found, err := s.GetUncached(ctx, key)
			if err != nil {
				loadErr = err
				return nil
			}
			return cache.Set(key, recordCacheValue{record: r, found: found}, ttlcache.DefaultTTL)
		},
	)
	v := s.recordCache.Get(key, ttlcache.WithLoader(loader))
	if v == nil {
		if loadErr != nil {
			return recordstore.Record{}, false, loadErr
		}
		return recordstore.Record{}, false, errors.New("failed to get lag record from cache")
	}
	val := v.Value()
	return val.record.Clone(), val.found, nil
}

// GetUncached reads a record straight from the database.
func (s *Store) GetUncached(ctx context.Context, key recordstore.Key) (recordstore.Record, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM lag_records WHERE type = $1 AND name = $2 AND level = $3`,
		key.Type, key.Name, key.Level)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return recordstore.Record{}, false, nil
	}
	if err != nil {
		return recordstore.Record{}, false, fmt.Errorf("get lag record %s/%s/%s: %w", key.Type, key.Level, key.Name, err)
	}
	return r, true, nil
}

func (s *Store) Find(ctx context.Context, f recordstore.Filter) ([]recordstore.Record, error) {
	if s.closed.Load() {
		return nil, recordstore.ErrClosed
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM lag_records WHERE `+filterClause+` ORDER BY type, level, name`,
		f.Type, f.Name, f.Level)
	if err != nil {
		return nil, fmt.Errorf("find lag records: %w", err)
	}
	return collectRecords(rows)
}

func (s *Store) Upsert(ctx context.Context, key recordstore.Key, p recordstore.Patch) error {
	if s.closed.Load() {
		return recordstore.ErrClosed
	}
	if err := p.Validate(); err != nil {
		return err
	}
	sql, args, err := buildUpsert(key, p)
	if err != nil {
		return err
	}

	var inserted bool
	row := s.pool.QueryRow(ctx, sql, args...)
	r, err := scanRecord(row, &inserted)
	if err != nil {
		return fmt.Errorf("upsert lag record %s/%s/%s: %w", key.Type, key.Level, key.Name, err)
	}
	s.recordCache.Delete(key)

	kind := recordstore.EventChanged
	if inserted {
		kind = recordstore.EventAdded
	}
	s.dispatch(recordstore.Event{Kind: kind, Record: r})
	return nil
}

func (s *Store) UpdateAll(ctx context.Context, f recordstore.Filter, p recordstore.Patch) (int, error) {
	if s.closed.Load() {
		return 0, recordstore.ErrClosed
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	sql, args, err := buildUpdateAll(f, p)
	if err != nil {
		return 0, err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("update lag records: %w", err)
	}
	updated, err := collectRecords(rows)
	if err != nil {
		return 0, err
	}
	if len(updated) == 0 {
		return 0, nil
	}
	s.recordCache.DeleteAll()

	events := make([]recordstore.Event, len(updated))
	for i, r := range updated {
		events[i] = recordstore.Event{Kind: recordstore.EventChanged, Record: r}
	}
	s.dispatch(events...)
	return len(updated), nil
}

const filterClause = `($1::text = '' OR type = $1) AND ($2::text = '' OR name = $2) AND ($3::text = '' OR level = $3)`

// assignments collapses p to one value per column, last change winning, in
// a stable column order.
func assignments(p recordstore.Patch) ([]string, []any, error) {
	last := map[recordstore.Field]any{}
	var order []recordstore.Field
	for _, c := range p {
		if _, ok := fieldColumns[c.Field]; !ok {
			return nil, nil, fmt.Errorf("unknown field %s", c.Field)
		}
		if _, seen := last[c.Field]; !seen {
			order = append(order, c.Field)
		}
		last[c.Field] = c.Value
	}

	cols := make([]string, 0, len(order))
	args := make([]any, 0, len(order))
	for _, f := range order {
		v, err := columnValue(f, last[f])
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, fieldColumns[f])
		args = append(args, v)
	}
	return cols, args, nil
}

func columnValue(f recordstore.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f {
	case recordstore.FieldValue:
		b, err := json.Marshal(recordstore.NormalizeValue(v))
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		return string(b), nil
	case recordstore.FieldDelay:
		return recordstore.NormalizeValue(v), nil
	default:
		return v, nil
	}
}

func placeholder(col string, n int) string {
	if col == "value" {
		return fmt.Sprintf("$%d::jsonb", n)
	}
	return fmt.Sprintf("$%d", n)
}

// buildUpsert returns an insert that reports, as its last column, whether
// the row was newly created.
func buildUpsert(key recordstore.Key, p recordstore.Patch) (string, []any, error) {
	cols, vals, err := assignments(p)
	if err != nil {
		return "", nil, err
	}

	insertCols := append([]string{"type", "name", "level"}, cols...)
	placeholders := []string{"$1", "$2", "$3"}
	sets := make([]string, 0, len(cols)+1)
	for i, col := range cols {
		placeholders = append(placeholders, placeholder(col, i+4))
		sets = append(sets, col+" = EXCLUDED."+col)
	}
	sets = append(sets, "updated_at = now()")

	var sb strings.Builder
	sb.WriteString("INSERT INTO lag_records (")
	sb.WriteString(strings.Join(insertCols, ", "))
	sb.WriteString(") VALUES (")
	sb.WriteString(strings.Join(placeholders, ", "))
	sb.WriteString(") ON CONFLICT (type, name, level) DO UPDATE SET ")
	sb.WriteString(strings.Join(sets, ", "))
	sb.WriteString(" RETURNING ")
	sb.WriteString(recordColumns)
	sb.WriteString(", (xmax = 0) AS inserted")

	args := append([]any{key.Type, key.Name, key.Level}, vals...)
	return sb.String(), args, nil
}

func buildUpdateAll(f recordstore.Filter, p recordstore.Patch) (string, []any, error) {
	cols, vals, err := assignments(p)
	if err != nil {
		return "", nil, err
	}

	sets := make([]string, 0, len(cols)+1)
	for i, col := range cols {
		sets = append(sets, col+" = "+placeholder(col, i+4))
	}
	sets = append(sets, "updated_at = now()")

	sql := "UPDATE lag_records SET " + strings.Join(sets, ", ") +
		" WHERE " + filterClause +
		" RETURNING " + recordColumns
	args := append([]any{f.Type, f.Name, f.Level}, vals...)
	return sql, args, nil
}

func collectRecords(rows pgx.Rows) ([]recordstore.Record, error) {
	defer rows.Close()
	var out []recordstore.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanRecord reads recordColumns followed by any extra destinations.
func scanRecord(row pgx.Row, extra ...any) (recordstore.Record, error) {
	var (
		r     recordstore.Record
		value []byte
	)
	dest := []any{
		&r.Type, &r.Name, &r.Level, &value,
		&r.IsActive, &r.DelayMS, &r.IsExcluded, &r.IsBlocking, &r.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return recordstore.Record{}, err
	}
	v, err := decodeValue(value)
	if err != nil {
		return recordstore.Record{}, err
	}
	r.Value = v
	return r, nil
}

func decodeValue(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return normalizeDecoded(v), nil
}

func normalizeDecoded(v any) any {
	switch t := v.(type) {
	case []any:
		for i := range t {
			t[i] = normalizeDecoded(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeDecoded(t[k])
		}
		return t
	default:
		return recordstore.NormalizeValue(v)
	}
}
