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

// Package lagapi is the operator-facing surface over the lag tiers. Every
// mutating call validates its whole input before anything is written.
package lagapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/lagrunner/internal/lagconfig"
	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

var ErrUnknownCategory = errors.New("unknown lag category")

type API struct {
	base *lagconfig.Base
}

func New(base *lagconfig.Base) *API {
	return &API{base: base}
}

func (a *API) Base() *lagconfig.Base { return a.base }

// Category returns the registered tier for typ.
func (a *API) Category(typ string) (*lagconfig.Category, error) {
	c, ok := a.base.Category(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, typ)
	}
	return c, nil
}

func (a *API) GetDefaultDelay(ctx context.Context) time.Duration {
	return a.base.DefaultDelay(ctx)
}

// SetDefaultDelay replaces the process-wide default and returns the value
// it replaced.
func (a *API) SetDefaultDelay(ctx context.Context, d time.Duration) (time.Duration, error) {
	if err := validateDelay("defaultDelay", d); err != nil {
		return 0, err
	}
	prev := a.GetDefaultDelay(ctx)
	if err := a.base.SetConfigOption(ctx, lagconfig.OptDefaultDelay.String(), d.Milliseconds()); err != nil {
		return 0, err
	}
	return prev, nil
}

// GetDelayFor returns the delay a call to name in category would get now.
func (a *API) GetDelayFor(ctx context.Context, category, name string) (time.Duration, error) {
	c, err := a.Category(category)
	if err != nil {
		return 0, err
	}
	return c.Delay(ctx, name), nil
}

// SetDelaysFor sets explicit per-target delays.
func (a *API) SetDelaysFor(ctx context.Context, category string, delays map[string]time.Duration) error {
	c, err := a.Category(category)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(delays))
	for name, d := range delays {
		if err := validateName(name); err != nil {
			return err
		}
		if err := validateDelay(name, d); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var errs *multierror.Error
	for _, name := range names {
		if err := c.AddDelay(ctx, name, delays[name]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// ClearDelaysFor drops explicit delays so the targets inherit the default.
func (a *API) ClearDelaysFor(ctx context.Context, category string, names []string) error {
	c, err := a.Category(category)
	if err != nil {
		return err
	}
	if err := validateNames(names); err != nil {
		return err
	}

	var errs *multierror.Error
	for _, name := range names {
		if err := c.ClearDelay(ctx, name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// SetExclude excludes or re-includes each of names.
func (a *API) SetExclude(ctx context.Context, category string, names []string, exclude bool) error {
	c, err := a.Category(category)
	if err != nil {
		return err
	}
	if err := validateNames(names); err != nil {
		return err
	}

	var errs *multierror.Error
	for _, name := range names {
		if err := c.Exclude(ctx, name, exclude); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// SetConfigOptions applies a base settings document at runtime.
func (a *API) SetConfigOptions(ctx context.Context, cfg lagconfig.Settings) error {
	return a.base.ApplySettings(ctx, cfg)
}

// ApplyDocument applies "lagConfig.base" and the section of every
// registered category found in src. Sections are parsed before anything is
// written; a section naming an unregistered category is an error. Lists
// replace the stored ones, except that predefined forced-blocking targets
// are always kept.
func (a *API) ApplyDocument(ctx context.Context, src lagconfig.SettingsSource) error {
	type section struct {
		category *lagconfig.Category
		cfg      lagconfig.Settings
	}

	var base *lagconfig.Settings
	if raw, ok := src.Lookup(lagconfig.SettingsPath(lagconfig.LevelBase)); ok {
		cfg, err := lagconfig.ParseSettings(raw)
		if err != nil {
			return fmt.Errorf("lagConfig.base: %w", err)
		}
		base = &cfg
	}

	var sections []section
	for _, typ := range a.base.Categories() {
		raw, ok := src.Lookup(lagconfig.SettingsPath(typ))
		if !ok {
			continue
		}
		cfg, err := lagconfig.ParseSettings(raw)
		if err != nil {
			return fmt.Errorf("lagConfig.%s: %w", typ, err)
		}
		c, _ := a.base.Category(typ)
		sections = append(sections, section{category: c, cfg: c.KeepForcedBlocking(cfg)})
	}

	if root, ok := src.Lookup("lagConfig"); ok {
		for key := range root {
			if key == lagconfig.LevelBase {
				continue
			}
			if _, ok := a.base.Category(key); !ok {
				return fmt.Errorf("%w: %q", ErrUnknownCategory, key)
			}
		}
	}

	var errs *multierror.Error
	if base != nil {
		if err := a.base.ApplySettings(ctx, *base); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, s := range sections {
		if err := s.category.ApplySettings(ctx, s.cfg); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Records returns the stored records matching f.
func (a *API) Records(ctx context.Context, f recordstore.Filter) ([]recordstore.Record, error) {
	return a.base.Store().Find(ctx, f)
}

// TargetNames lists every target ever wrapped in typ, or in every category
// when typ is empty.
func (a *API) TargetNames(ctx context.Context, typ string) ([]recordstore.TargetName, error) {
	return a.base.Names().List(ctx, typ)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: target name must not be empty", lagconfig.ErrInvalidInput)
	}
	return nil
}

func validateNames(names []string) error {
	for _, name := range names {
		if err := validateName(name); err != nil {
			return err
		}
	}
	return nil
}

func validateDelay(name string, d time.Duration) error {
	if d < 0 || d%time.Millisecond != 0 {
		return fmt.Errorf("%w: delay for %q must be a non-negative whole number of milliseconds, got %s",
			lagconfig.ErrInvalidInput, name, d)
	}
	return nil
}
