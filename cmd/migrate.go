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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/lagrunner/config"
	"github.com/cardinalhq/lagrunner/lagdb"
	lagdbmigrations "github.com/cardinalhq/lagrunner/lagdb/migrations"
)

var migrateDown bool

func init() {
	MigrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back every lagdb migration instead of applying them")
	rootCmd.AddCommand(MigrateCmd)
}

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Create or upgrade the lag policy tables in the configured PostgreSQL database",
	RunE:  migrate,
}

func migrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Minute))
	defer cancel()

	connectionString, err := cfg.Database.ConnectionString()
	if err != nil {
		if errors.Is(err, config.ErrDatabaseNotConfigured) {
			slog.Info("lagdb not configured, skipping migration")
			return nil
		}
		return err
	}
	pool, err := lagdb.NewConnectionPool(ctx, connectionString)
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrateDown {
		slog.Info("Rolling back lagdb migrations")
		return lagdbmigrations.RunMigrationsDown(ctx, pool)
	}

	slog.Info("Running lagdb migrations")
	if err := lagdbmigrations.RunMigrationsUp(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate lagdb: %w", err)
	}
	slog.Info("lagdb migrations completed successfully")
	return nil
}
