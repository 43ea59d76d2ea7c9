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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lagrunner/config"
	"github.com/cardinalhq/lagrunner/internal/lagconfig"
)

func TestPersistentSettings_ForcesPersist(t *testing.T) {
	src, err := config.ParseLagSettings([]byte(`
lagConfig:
  base:
    defaultDelay: 10
    persist: false
  method:
    exclude: [a]
`))
	require.NoError(t, err)
	s := persistentSettings{src}

	base, ok := s.Lookup("lagConfig.base")
	require.True(t, ok)
	assert.Equal(t, true, base["persist"])
	assert.Equal(t, 10, base["defaultDelay"])

	orig, _ := src.Lookup("lagConfig.base")
	assert.Equal(t, false, orig["persist"], "the wrapped source is not modified")

	method, ok := s.Lookup("lagConfig.method")
	require.True(t, ok)
	assert.Equal(t, []any{"a"}, method["exclude"])

	_, ok = s.Lookup("lagConfig.publication")
	assert.False(t, ok)
}

func TestPersistentSettings_EmptyDocument(t *testing.T) {
	s := persistentSettings{config.NewLagSettings(nil)}
	base, ok := s.Lookup(lagconfig.SettingsPath(lagconfig.LevelBase))
	require.True(t, ok)
	assert.Equal(t, map[string]any{"persist": true}, base)
}

func TestParseMillis(t *testing.T) {
	d, err := parseMillis("1500")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	for _, bad := range []string{"-1", "1.5", "fast", "", "10000000000000"} {
		_, err := parseMillis(bad)
		assert.ErrorIs(t, err, lagconfig.ErrInvalidInput, bad)
	}
}
