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

// Package lagdb is the PostgreSQL-backed lag record store used when
// persistence is enabled.
package lagdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgx-contrib/pgxotel"

	"github.com/cardinalhq/lagrunner/config"
	lagdbmigrations "github.com/cardinalhq/lagrunner/lagdb/migrations"
	"github.com/cardinalhq/lagrunner/migrations"
)

// NewConnectionPool creates a pgx pool for url with query tracing enabled.
func NewConnectionPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.ConnConfig.Tracer = &pgxotel.QueryTracer{
		Name: "lagdb",
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}

// Connect opens a pool for db and verifies the schema version.
func Connect(ctx context.Context, db config.DatabaseConfig, opts ...migrations.CheckOption) (*pgxpool.Pool, error) {
	connectionString, err := db.ConnectionString()
	if err != nil {
		return nil, errors.Join(config.ErrDatabaseNotConfigured, fmt.Errorf("failed to build lagdb connection string: %w", err))
	}

	pool, err := NewConnectionPool(ctx, connectionString)
	if err != nil {
		return nil, err
	}

	if err := lagdbmigrations.CheckVersion(ctx, pool, opts...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("lagdb migration version check failed: %w", err)
	}

	return pool, nil
}
