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
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestVersion_Embedded(t *testing.T) {
	got, err := latestVersion(migrationFiles)
	require.NoError(t, err)
	assert.Equal(t, uint(1760745600), got)
}

func TestLatestVersion(t *testing.T) {
	files := fstest.MapFS{
		"1_a.up.sql":    {},
		"1_a.down.sql":  {},
		"20_b.up.sql":   {},
		"3_c.up.sql":    {},
		"junk.up.sql":   {},
		"notes.txt":     {},
		"99_d.down.sql": {},
	}
	got, err := latestVersion(files)
	require.NoError(t, err)
	assert.Equal(t, uint(20), got)

	_, err = latestVersion(fstest.MapFS{"readme.md": {}})
	assert.Error(t, err)
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name       string
		current    uint
		dirty      bool
		allowDirty bool
		wantErr    bool
		behind     bool
	}{
		{"match", 5, false, false, false, false},
		{"behind", 4, false, false, true, true},
		{"ahead", 6, false, false, true, false},
		{"dirty", 5, true, false, true, false},
		{"dirty allowed", 5, true, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkVersion(tt.current, 5, tt.dirty, tt.allowDirty)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.behind, errors.Is(err, errBehind))
		})
	}
}
