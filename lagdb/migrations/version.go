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

package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/lagrunner/migrations"
)

// CheckVersion verifies that the lag schema is at the version this binary
// was built with. In wait mode it polls until the version matches or the
// timeout expires; in warn mode a mismatch is only logged.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, opts ...migrations.CheckOption) error {
	o := migrations.Resolve("LAGDB", opts...)
	if o.Mode == migrations.CheckModeSkip {
		slog.Debug("Migration version checking disabled for lagdb")
		return nil
	}

	expected, err := latestVersion(migrationFiles)
	if err != nil {
		return fmt.Errorf("failed to extract expected lagdb migration version: %w", err)
	}

	deadline := time.Now().Add(o.Timeout)
	ticker := time.NewTicker(o.RetryInterval)
	defer ticker.Stop()

	for {
		current, dirty, err := currentVersion(pool)
		if err != nil {
			return fmt.Errorf("failed to get current lagdb migration version: %w", err)
		}

		mismatch := checkVersion(current, expected, dirty, o.AllowDirty)
		switch {
		case mismatch == nil:
			return nil
		case o.Mode == migrations.CheckModeWarn:
			slog.Warn("lagdb migration version mismatch, continuing", slog.Any("error", mismatch))
			return nil
		case !errors.Is(mismatch, errBehind):
			return mismatch
		case time.Now().After(deadline):
			return fmt.Errorf("timeout waiting for lagdb migrations: %w", mismatch)
		}

		slog.Info("Waiting for lagdb migrations to complete",
			slog.Uint64("current_version", uint64(current)),
			slog.Uint64("expected_version", uint64(expected)),
			slog.Duration("remaining_timeout", time.Until(deadline)))

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for lagdb migrations: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

var errBehind = errors.New("schema is behind")

func checkVersion(current, expected uint, dirty, allowDirty bool) error {
	if dirty && !allowDirty {
		return errors.New("lagdb migration is in dirty state, please fix before proceeding")
	}
	switch {
	case current == expected:
		return nil
	case current > expected:
		return fmt.Errorf("lagdb version %d is newer than expected version %d - you may need to update the application", current, expected)
	default:
		return fmt.Errorf("%w: version %d, expected %d", errBehind, current, expected)
	}
}

// latestVersion extracts the highest version from files named like
// "1760745600_lag_records.up.sql".
func latestVersion(files fs.ReadDirFS) (uint, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var maxVersion uint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		maxVersion = max(maxVersion, uint(version))
	}

	if maxVersion == 0 {
		return 0, errors.New("no valid migration files found")
	}
	return maxVersion, nil
}

func currentVersion(pool *pgxpool.Pool) (uint, bool, error) {
	m, closeFn, err := newMigrate(pool)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, dirty, nil
}
