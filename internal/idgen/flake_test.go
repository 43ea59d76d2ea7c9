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

package idgen

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSonyFlakeGenerator_NextIDIncreases(t *testing.T) {
	gen, err := NewFlakeGenerator(7)
	require.NoError(t, err)

	prev := gen.NextID()
	for range 100 {
		id := gen.NextID()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestSonyFlakeGenerator_MachineIDIsEncoded(t *testing.T) {
	a, err := NewFlakeGenerator(1)
	require.NoError(t, err)
	b, err := NewFlakeGenerator(2)
	require.NoError(t, err)

	assert.NotEqual(t, a.NextID()&0xffff, b.NextID()&0xffff)
}

func TestDefault_IsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
	assert.Positive(t, Default().NextID())
}

func TestNewWithFallback_MachineIDFailure(t *testing.T) {
	failing := func() (uint16, error) { return 0, errors.New("no private ip address") }

	var g Generator
	require.NotPanics(t, func() { g = newWithFallback(failing) })
	_, isFlake := g.(*SonyFlakeGenerator)
	assert.True(t, isFlake, "falls back to a hostname machine id, not random ids")

	prev := g.NextID()
	assert.Positive(t, prev)
	for range 10 {
		id := g.NextID()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestHostMachineID_Stable(t *testing.T) {
	assert.Equal(t, hostMachineID(), hostMachineID())
}

func TestRandomGenerator_Positive(t *testing.T) {
	for range 100 {
		assert.Positive(t, randomGenerator{}.NextID())
	}
}
