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

package lagconfig

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidInput is returned, wrapped, when a caller passes a value of the
// wrong type or shape. Nothing is written when it is returned.
var ErrInvalidInput = errors.New("invalid input")

// Option is a recognized scalar configuration option.
type Option int

const (
	OptDisable Option = iota
	OptPersist
	OptDefaultDelay
	OptLog
	OptUnblock
	OptUsePredefinedExcludes
)

var optionNames = map[Option]string{
	OptDisable:               "disable",
	OptPersist:               "persist",
	OptDefaultDelay:          "defaultDelay",
	OptLog:                   "log",
	OptUnblock:               "unblock",
	OptUsePredefinedExcludes: "usePredefinedExcludes",
}

var optionsByName = func() map[string]Option {
	m := make(map[string]Option, len(optionNames))
	for opt, name := range optionNames {
		m[strings.ToLower(name)] = opt
	}
	return m
}()

func (o Option) String() string {
	if name, ok := optionNames[o]; ok {
		return name
	}
	return fmt.Sprintf("option(%d)", int(o))
}

// ParseOption maps an option name, compared case-insensitively, to its Option.
func ParseOption(name string) (Option, bool) {
	opt, ok := optionsByName[strings.ToLower(name)]
	return opt, ok
}

// numeric reports whether the option holds milliseconds rather than a flag.
func (o Option) numeric() bool {
	return o == OptDefaultDelay
}

// secondLevel options exist at both the base and category tiers; a category
// record only takes effect when it is marked active.
func (o Option) secondLevel() bool {
	return o == OptDisable
}

// normalize checks v against the option's type and returns the canonical
// value: bool for flags, int64 milliseconds for delays.
func (o Option) normalize(v any) (any, error) {
	if o.numeric() {
		ms, ok := asMillis(v)
		if !ok || ms < 0 {
			return nil, fmt.Errorf("%w: %s must be a non-negative number of milliseconds, got %v (%T)", ErrInvalidInput, o, v, v)
		}
		return ms, nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a bool, got %v (%T)", ErrInvalidInput, o, v, v)
	}
	return b, nil
}

var (
	baseBasicOptions     = []Option{OptDisable, OptPersist, OptDefaultDelay, OptLog, OptUnblock}
	baseOwnedOptions     = append(append([]Option{}, baseBasicOptions...), OptUsePredefinedExcludes)
	categoryBasicOptions = []Option{OptDisable, OptUsePredefinedExcludes}
)

func contains(opts []Option, o Option) bool {
	for _, x := range opts {
		if x == o {
			return true
		}
	}
	return false
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// MaxDelayMillis is the largest delay, in milliseconds, a time.Duration
// can hold.
const MaxDelayMillis = math.MaxInt64 / int64(time.Millisecond)

// asMillis accepts the integral number types decoders produce. Values past
// MaxDelayMillis are rejected.
func asMillis(v any) (int64, bool) {
	var ms int64
	switch n := v.(type) {
	case int:
		ms = int64(n)
	case int32:
		ms = int64(n)
	case int64:
		ms = n
	case uint:
		if uint64(n) > uint64(MaxDelayMillis) {
			return 0, false
		}
		ms = int64(n)
	case uint32:
		ms = int64(n)
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > float64(MaxDelayMillis) {
			return 0, false
		}
		ms = int64(n)
	case time.Duration:
		if n%time.Millisecond != 0 {
			return 0, false
		}
		ms = n.Milliseconds()
	default:
		return 0, false
	}
	if ms > MaxDelayMillis {
		return 0, false
	}
	return ms, true
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DurationFromMillis converts a caller-supplied millisecond count, rejecting
// negative values and values time.Duration cannot hold.
func DurationFromMillis(ms int64) (time.Duration, error) {
	if ms < 0 || ms > MaxDelayMillis {
		return 0, fmt.Errorf("%w: %d is not a delay between 0 and %d milliseconds", ErrInvalidInput, ms, MaxDelayMillis)
	}
	return millis(ms), nil
}
