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

	"github.com/cardinalhq/lagrunner/config"
	"github.com/cardinalhq/lagrunner/internal/lagconfig"
	"github.com/cardinalhq/lagrunner/migrations"
)

// Open connects to db and returns a store that owns its pool.
func Open(ctx context.Context, db config.DatabaseConfig, check []migrations.CheckOption, opts ...StoreOption) (*Store, error) {
	pool, err := Connect(ctx, db, check...)
	if err != nil {
		return nil, err
	}
	s := NewStore(pool, opts...)
	s.ownsPool = true
	return s, nil
}

// Opener adapts Open to lagconfig.BaseOptions.OpenPersistent. The
// database is only contacted if persistence is enabled.
func Opener(db config.DatabaseConfig, opts ...StoreOption) func(context.Context) (lagconfig.Backend, error) {
	return func(ctx context.Context) (lagconfig.Backend, error) {
		s, err := Open(ctx, db, nil, opts...)
		if err != nil {
			return lagconfig.Backend{}, err
		}
		return lagconfig.Backend{Store: s, Names: s}, nil
	}
}
