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
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

// Well known categories.
const (
	CategoryMethod      = "method"
	CategoryPublication = "publication"
)

// categoryDefaults are the built-in category options. Initial options given
// to NewCategory are layered on top, and external settings on top of those.
var categoryDefaults = Settings{
	Options: map[Option]any{OptUsePredefinedExcludes: true},
	Delays:  map[string]time.Duration{},
}

// Category is one category tier, such as "method" or "publication". Its
// policy is layered on top of the Base tier.
type Category struct {
	typ    string
	base   *Base
	cache  *ConfigCache
	logger *slog.Logger

	// defaults holds the built-in options merged with the initial options.
	// Its Exclude and ForceBlocking are the predefined lists.
	defaults Settings
}

// NewCategory creates the category tier typ, applies its configuration,
// starts following the store and registers it with base. If typ is already
// registered the existing tier is returned unchanged.
func NewCategory(ctx context.Context, typ string, base *Base, initial Settings) (*Category, error) {
	base.createMu.Lock()
	defer base.createMu.Unlock()

	if existing, ok := base.Category(typ); ok {
		return existing, nil
	}
	switch typ {
	case "", recordstore.TypeConfig, recordstore.TypeState, LevelBase:
		return nil, fmt.Errorf("%w: %q is not a usable category name", ErrInvalidInput, typ)
	}

	c := &Category{
		typ:    typ,
		base:   base,
		cache:  NewConfigCache(typ),
		logger: base.Logger().With(slog.String("level", typ)),
	}
	c.initDefaultConfigs(initial)

	if err := c.InitConfig(ctx); err != nil {
		return nil, err
	}
	if err := c.cache.CacheCollection(ctx, c.Store()); err != nil {
		return nil, fmt.Errorf("failed to follow %s config: %w", typ, err)
	}
	base.RegisterCategory(c)
	return c, nil
}

func (c *Category) initDefaultConfigs(initial Settings) {
	c.defaults = Merge(categoryDefaults, initial)
	if c.defaults.Exclude == nil {
		c.defaults.Exclude = []string{}
	}
	if c.defaults.ForceBlocking == nil {
		c.defaults.ForceBlocking = []string{}
	}
}

// InitConfig applies "lagConfig.<type>" over the category defaults, with
// the same first-run rules as the Base tier. Persistence is a property of
// the shared store, so the Base tier's persist option decides.
func (c *Category) InitConfig(ctx context.Context) error {
	raw, _ := c.base.Settings().Lookup(SettingsPath(c.typ))
	external, err := ParseSettings(raw)
	if err != nil {
		return fmt.Errorf("%s settings: %w", c.typ, err)
	}
	cfg := c.ApplyDefaults(ctx, external)

	for _, opt := range categoryBasicOptions {
		if v, ok := cfg.Options[opt]; ok {
			c.cache.SetDefault(opt.String(), v)
		}
	}

	persist := c.base.Persistent(ctx)
	initialized, err := c.IsInitialized(ctx)
	if err != nil {
		return err
	}

	switch {
	case !persist || !initialized:
		if err := c.ApplySettings(ctx, cfg); err != nil {
			return err
		}
	default:
		if v, ok := external.Option(OptDisable); ok {
			c.logger.Info("Re-applying explicit disable to persisted configuration", slog.Any("disable", v))
			if err := c.ApplySettings(ctx, Settings{Options: map[Option]any{OptDisable: v}}); err != nil {
				return err
			}
		}
	}
	return c.SetInitialized(ctx)
}

// ApplyDefaults layers cfg over the category defaults. The exclude list is
// unioned with the predefined excludes only when the base tier enables
// usePredefinedExcludes; forced-blocking targets are always unioned.
func (c *Category) ApplyDefaults(ctx context.Context, cfg Settings) Settings {
	defaults := c.defaults.clone()
	defaults.Exclude = nil
	defaults.ForceBlocking = nil
	out := Merge(defaults, cfg)

	if c.base.UsePredefinedExcludes(ctx) {
		out.Exclude = union(out.Exclude, c.defaults.Exclude)
	}
	out.ForceBlocking = union(out.ForceBlocking, c.defaults.ForceBlocking)
	return out
}

// KeepForcedBlocking unions a forceBlocking list present in cfg with the
// category's predefined forced-blocking targets. Excludes are left as given.
func (c *Category) KeepForcedBlocking(cfg Settings) Settings {
	if cfg.ForceBlocking != nil {
		cfg.ForceBlocking = union(cfg.ForceBlocking, c.defaults.ForceBlocking)
	}
	return cfg
}

// ApplySettings writes cfg. Each of exclude, delays and forceBlocking, when
// present, replaces the previous set for this category: matching fields are
// cleared on every target first, then the listed targets are set.
func (c *Category) ApplySettings(ctx context.Context, cfg Settings) error {
	store := c.Store()
	var errs *multierror.Error

	for _, opt := range categoryBasicOptions {
		v, ok := cfg.Options[opt]
		if !ok {
			continue
		}
		v, err := opt.normalize(v)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		p := recordstore.Set(recordstore.FieldValue, v)
		if opt.secondLevel() {
			p = p.Set(recordstore.FieldIsActive, true)
		}
		if err := store.Upsert(ctx, recordstore.ConfigKey(opt.String(), c.typ), p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if cfg.Exclude != nil {
		if err := c.clearField(ctx, recordstore.FieldIsExcluded); err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, name := range cfg.Exclude {
			if err := c.Exclude(ctx, name, true); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if cfg.Delays != nil {
		if err := c.clearField(ctx, recordstore.FieldDelay); err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, name := range sortedKeys(cfg.Delays) {
			if err := c.AddDelay(ctx, name, cfg.Delays[name]); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if cfg.ForceBlocking != nil {
		if err := c.clearField(ctx, recordstore.FieldIsBlocking); err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, name := range cfg.ForceBlocking {
			if err := c.SetForceBlocking(ctx, name, true); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	return errs.ErrorOrNil()
}

func (c *Category) clearField(ctx context.Context, f recordstore.Field) error {
	_, err := c.Store().UpdateAll(ctx, recordstore.Filter{Type: c.typ}, recordstore.Unset(f))
	return err
}

// Delay resolves the delay for target name. Exclusion beats an explicit
// per-target delay, which beats the default delay. A disabled tier always
// resolves to zero.
func (c *Category) Delay(ctx context.Context, name string) time.Duration {
	if c.IsDisabled(ctx) {
		return 0
	}

	ms, _ := asMillis(c.ConfigOption(ctx, OptDefaultDelay.String()))
	delay := millis(ms)

	target, ok := c.target(ctx, name)
	if !ok {
		return delay
	}
	if target.Excluded() {
		return 0
	}
	if d, ok := target.Delay(); ok {
		return d
	}
	return delay
}

// IsDisabled is true when either this category's active disable override
// or the global disable is set. A category cannot re-enable itself while
// the global switch is on.
func (c *Category) IsDisabled(ctx context.Context) bool {
	local, _ := c.cache.Get(OptDisable.String())
	return asBool(local) || c.base.Disabled(ctx)
}

// ShouldUnblock reports whether the target may release its concurrency
// slot before being delayed.
func (c *Category) ShouldUnblock(ctx context.Context, name string) bool {
	return c.base.Unblock(ctx) && !c.IsBlocking(ctx, name)
}

// IsBlocking reports whether the target is forced to stay blocking.
func (c *Category) IsBlocking(ctx context.Context, name string) bool {
	target, ok := c.target(ctx, name)
	return ok && target.Blocking()
}

// target reads the per-target record. Store failures are logged and
// treated as "no override" so a sick store never fails a handler.
func (c *Category) target(ctx context.Context, name string) (recordstore.Record, bool) {
	r, ok, err := c.Store().Get(ctx, recordstore.TargetKey(c.typ, name))
	if err != nil {
		c.logger.Warn("Failed to read target record", slog.String("target", name), slog.Any("error", err))
		return recordstore.Record{}, false
	}
	return r, ok
}

// AddDelay sets an explicit delay for a target. The delay must be a
// non-negative whole number of milliseconds.
func (c *Category) AddDelay(ctx context.Context, name string, delay time.Duration) error {
	if err := validateName(name); err != nil {
		return err
	}
	if delay < 0 || delay%time.Millisecond != 0 {
		return fmt.Errorf("%w: delay for %q must be a non-negative whole number of milliseconds, got %s", ErrInvalidInput, name, delay)
	}
	return c.Store().Upsert(ctx, recordstore.TargetKey(c.typ, name),
		recordstore.Set(recordstore.FieldDelay, delay.Milliseconds()))
}

// ClearDelay removes a target's explicit delay so it inherits the default.
func (c *Category) ClearDelay(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return c.Store().Upsert(ctx, recordstore.TargetKey(c.typ, name),
		recordstore.Unset(recordstore.FieldDelay))
}

func (c *Category) Exclude(ctx context.Context, name string, exclude bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	return c.Store().Upsert(ctx, recordstore.TargetKey(c.typ, name),
		recordstore.Set(recordstore.FieldIsExcluded, exclude))
}

func (c *Category) SetForceBlocking(ctx context.Context, name string, forceBlocking bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	return c.Store().Upsert(ctx, recordstore.TargetKey(c.typ, name),
		recordstore.Set(recordstore.FieldIsBlocking, forceBlocking))
}

// SetDisabled switches this category off or back on. Turning it on has no
// effect while the global disable is set.
func (c *Category) SetDisabled(ctx context.Context, disabled bool) error {
	return c.ApplySettings(ctx, Settings{Options: map[Option]any{OptDisable: disabled}})
}

func (c *Category) SetInitialized(ctx context.Context) error {
	return setInitialized(ctx, c.Store(), c.typ)
}

func (c *Category) IsInitialized(ctx context.Context) (bool, error) {
	return isInitialized(ctx, c.Store(), c.typ)
}

// ConfigOption serves the category's own basic options from its cache and
// delegates everything else to the Base tier.
func (c *Category) ConfigOption(ctx context.Context, name string) any {
	if opt, ok := ParseOption(name); ok && contains(categoryBasicOptions, opt) {
		v, _ := c.cache.Get(opt.String())
		return v
	}
	return c.base.ConfigOption(ctx, name)
}

// GetActiveConfig reads a second-level option set explicitly at this tier,
// bypassing the cache.
func (c *Category) GetActiveConfig(ctx context.Context, name string) (any, bool, error) {
	if opt, ok := ParseOption(name); ok {
		name = opt.String()
	}
	r, ok, err := c.Store().Get(ctx, recordstore.ConfigKey(name, c.typ))
	if err != nil || !ok || r.IsActive == nil || !*r.IsActive {
		return nil, false, err
	}
	return r.Value, true, nil
}

// Targets lists the per-target records of this category.
func (c *Category) Targets(ctx context.Context) ([]recordstore.Record, error) {
	return c.Store().Find(ctx, recordstore.Filter{Type: c.typ})
}

func (c *Category) Type() string { return c.typ }
func (c *Category) Base() *Base { return c.base }
func (c *Category) Cache() *ConfigCache { return c.cache }
func (c *Category) Logger() *slog.Logger { return c.logger }
func (c *Category) Store() recordstore.Store { return c.base.Store() }
func (c *Category) Names() recordstore.NameLog { return c.base.Names() }

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: target name must not be empty", ErrInvalidInput)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
