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
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

// Epoch is the start of the id clock. Ids issued by different processes
// compare in rough registration order.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator hands out positive int64 ids for target-name entries.
type Generator interface {
	NextID() int64
}

var (
	defaultOnce      sync.Once
	defaultGenerator Generator
)

// Default returns the process-wide generator, creating it on first use. It
// never fails: hosts without a private IPv4 address get a machine id
// derived from the hostname.
func Default() Generator {
	defaultOnce.Do(func() {
		defaultGenerator = newWithFallback(nil)
	})
	return defaultGenerator
}

type SonyFlakeGenerator struct {
	sf *sonyflake.Sonyflake
}

// NewFlakeGenerator builds a generator. A zero machineID lets sonyflake
// derive it from the host's private IP, which is what a single replica
// wants; replicas sharing a persistent store should pass distinct ids.
func NewFlakeGenerator(machineID uint16) (*SonyFlakeGenerator, error) {
	if machineID == 0 {
		return newFlake(nil)
	}
	return newFlake(func() (uint16, error) { return machineID, nil })
}

func newFlake(machineID func() (uint16, error)) (*SonyFlakeGenerator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{StartTime: Epoch, MachineID: machineID})
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &SonyFlakeGenerator{sf: sf}, nil
}

// newWithFallback tries machineID (nil means the private IP lookup), then a
// hostname-derived machine id, then random ids.
func newWithFallback(machineID func() (uint16, error)) Generator {
	g, err := newFlake(machineID)
	if err == nil {
		return g
	}
	fallback := hostMachineID()
	slog.Warn("Cannot derive sonyflake machine id, using hostname hash",
		slog.Any("error", err),
		slog.Int("machineID", int(fallback)))

	g, err = newFlake(func() (uint16, error) { return fallback, nil })
	if err == nil {
		return g
	}
	slog.Warn("Cannot create sonyflake generator, using random ids", slog.Any("error", err))
	return randomGenerator{}
}

func hostMachineID() uint16 {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uint16(rand.UintN(1 << 16))
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	sum := h.Sum32()
	return uint16(sum>>16) ^ uint16(sum)
}

// NextID returns a positive int64 that increases roughly in time order.
// If the clock overflows it degrades to a random positive id.
func (g *SonyFlakeGenerator) NextID() int64 {
	v, err := g.sf.NextID()
	if err != nil {
		return randomID()
	}
	return int64(v)
}

type randomGenerator struct{}

func (randomGenerator) NextID() int64 { return randomID() }

func randomID() int64 {
	return rand.Int64N(1<<62) + 1
}
