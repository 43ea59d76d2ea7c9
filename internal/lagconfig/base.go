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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/lagrunner/internal/recordstore"
)

// LevelBase is the level of records written by the Base tier.
const LevelBase = "base"

const stateInitialized = "initialized"

// baseDefaults are the built-in process defaults. External settings win.
var baseDefaults = Settings{Options: map[Option]any{
	OptDisable:               false,
	OptPersist:               false,
	OptDefaultDelay:          int64(2000),
	OptLog:                   false,
	OptUnblock:               true,
	OptUsePredefinedExcludes: true,
}}

// Backend is a pair of stores. The name log may be nil, in which case a
// transient one is used.
type Backend struct {
	Store recordstore.Store
	Names recordstore.NameLog
}

type BaseOptions struct {
	// Settings supplies "lagConfig.base" and the per-category sections.
	// Nil means no external settings.
	Settings SettingsSource
	// OpenPersistent opens the durable backend. It is only called when the
	// merged settings enable persistence.
	OpenPersistent func(ctx context.Context) (Backend, error)
	Logger         *slog.Logger
}

// Base is the process-wide tier. It owns the record store every category
// shares and the registry of categories.
type Base struct {
	settings       SettingsSource
	openPersistent func(ctx context.Context) (Backend, error)
	logger         *slog.Logger

	cache *ConfigCache
	store recordstore.Store
	names recordstore.NameLog

	mu         sync.RWMutex
	categories map[string]*Category

	// createMu serialises NewCategory from the registry check to
	// registration.
	createMu sync.Mutex
}

// NewBase builds the base tier, applies its configuration and starts
// following the store.
func NewBase(ctx context.Context, opts BaseOptions) (*Base, error) {
	b := &Base{
		settings:       opts.Settings,
		openPersistent: opts.OpenPersistent,
		logger:         opts.Logger,
		cache:          NewConfigCache(LevelBase),
		categories:     map[string]*Category{},
	}
	if b.settings == nil {
		b.settings = emptySettings{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With(slog.String("level", LevelBase))

	if err := b.InitConfig(ctx); err != nil {
		return nil, err
	}
	if err := b.cache.CacheCollection(ctx, b.store); err != nil {
		return nil, fmt.Errorf("failed to follow base config: %w", err)
	}
	return b, nil
}

type emptySettings struct{}

func (emptySettings) Lookup(string) (map[string]any, bool) { return nil, false }

// InitConfig merges external settings over the built-in defaults, selects
// the backing store and applies the settings. A persisted store that has
// already been initialized keeps its records; only an explicit disable is
// re-applied so operators can always flip the global switch from settings.
func (b *Base) InitConfig(ctx context.Context) error {
	raw, _ := b.settings.Lookup(SettingsPath(LevelBase))
	external, err := ParseSettings(raw)
	if err != nil {
		return fmt.Errorf("base settings: %w", err)
	}
	cfg := b.ApplyDefaults(external)

	for _, opt := range baseBasicOptions {
		b.cache.SetDefault(opt.String(), cfg.Options[opt])
	}

	persist := asBool(cfg.Options[OptPersist])
	if err := b.selectBackend(ctx, persist); err != nil {
		return err
	}

	initialized, err := b.IsInitialized(ctx)
	if err != nil {
		return err
	}

	switch {
	case !persist || !initialized:
		if err := b.ApplySettings(ctx, cfg); err != nil {
			return err
		}
	default:
		if v, ok := external.Option(OptDisable); ok {
			b.logger.Info("Re-applying explicit disable to persisted configuration", slog.Any("disable", v))
			if err := b.ApplySettings(ctx, Settings{Options: map[Option]any{OptDisable: v}}); err != nil {
				return err
			}
		}
	}
	return b.SetInitialized(ctx)
}

func (b *Base) selectBackend(ctx context.Context, persist bool) error {
	if b.store != nil {
		return nil
	}
	if persist {
		if b.openPersistent == nil {
			b.logger.Warn("Persistence requested but no persistent backend is configured, using transient store")
		} else {
			backend, err := b.openPersistent(ctx)
			if err != nil {
				return fmt.Errorf("failed to open persistent lag store: %w", err)
			}
			b.store = backend.Store
			b.names = backend.Names
		}
	}
	if b.store == nil {
		b.store = recordstore.NewMemStore()
	}
	if b.names == nil {
		b.names = recordstore.NewMemNameLog()
	}
	return nil
}

// ApplyDefaults overlays cfg on the built-in defaults.
func (b *Base) ApplyDefaults(cfg Settings) Settings {
	return Merge(baseDefaults, cfg)
}

// ApplySettings writes every base-owned option present in cfg.
func (b *Base) ApplySettings(ctx context.Context, cfg Settings) error {
	var errs *multierror.Error
	for _, opt := range baseOwnedOptions {
		v, ok := cfg.Options[opt]
		if !ok {
			continue
		}
		if err := b.SetConfigOption(ctx, opt.String(), v); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// ConfigOption returns the current value of an option. Basic options are
// served from the cache; anything else is looked up in the store.
func (b *Base) ConfigOption(ctx context.Context, name string) any {
	if opt, ok := ParseOption(name); ok && contains(baseBasicOptions, opt) {
		if v, ok := b.cache.Get(opt.String()); ok {
			return v
		}
		return baseDefaults.Options[opt]
	}
	return b.LookupOption(ctx, name)
}

// LookupOption reads a base config record directly. A missing record is
// not an error: the built-in default is returned and a warning logged.
func (b *Base) LookupOption(ctx context.Context, name string) any {
	key := recordstore.ConfigKey(name, LevelBase)
	if opt, ok := ParseOption(name); ok {
		key.Name = opt.String()
	}

	r, ok, err := b.store.Get(ctx, key)
	switch {
	case err != nil:
		b.logger.Warn("Failed to read config option, using default",
			slog.String("option", name), slog.Any("error", err))
	case ok:
		return r.Value
	default:
		b.logger.Warn("Attempted to get an option that was not set", slog.String("option", name))
	}
	if opt, ok := ParseOption(name); ok {
		return baseDefaults.Options[opt]
	}
	return nil
}

// SetConfigOption writes a base config record. Recognized options are type
// checked; other names are stored as given.
func (b *Base) SetConfigOption(ctx context.Context, name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: option name must not be empty", ErrInvalidInput)
	}
	if opt, ok := ParseOption(name); ok {
		v, err := opt.normalize(value)
		if err != nil {
			return err
		}
		name, value = opt.String(), v
	}
	return b.store.Upsert(ctx, recordstore.ConfigKey(name, LevelBase),
		recordstore.Set(recordstore.FieldValue, value))
}

// SetForceBlocking marks a base-level target as never unblocked.
func (b *Base) SetForceBlocking(ctx context.Context, name string, flag bool) error {
	if name == "" {
		return fmt.Errorf("%w: target name must not be empty", ErrInvalidInput)
	}
	return b.store.Upsert(ctx, recordstore.TargetKey(LevelBase, name),
		recordstore.Set(recordstore.FieldIsBlocking, flag))
}

func (b *Base) SetInitialized(ctx context.Context) error {
	return setInitialized(ctx, b.store, LevelBase)
}

func (b *Base) IsInitialized(ctx context.Context) (bool, error) {
	return isInitialized(ctx, b.store, LevelBase)
}

func setInitialized(ctx context.Context, store recordstore.Store, level string) error {
	return store.Upsert(ctx, recordstore.StateKey(stateInitialized, level),
		recordstore.Set(recordstore.FieldValue, true))
}

func isInitialized(ctx context.Context, store recordstore.Store, level string) (bool, error) {
	r, ok, err := store.Get(ctx, recordstore.StateKey(stateInitialized, level))
	if err != nil {
		return false, fmt.Errorf("failed to read %s initialized state: %w", level, err)
	}
	return ok && asBool(r.Value), nil
}

// RegisterCategory adds c to the registry, replacing any category of the
// same type.
func (b *Base) RegisterCategory(c *Category) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.categories[c.Type()] = c
}

// Category looks up a registered category by type.
func (b *Base) Category(typ string) (*Category, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.categories[typ]
	return c, ok
}

// Categories lists the registered category types, sorted.
func (b *Base) Categories() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.categories))
	for typ := range b.categories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func (b *Base) Store() recordstore.Store { return b.store }
func (b *Base) Names() recordstore.NameLog { return b.names }
func (b *Base) Cache() *ConfigCache { return b.cache }
func (b *Base) Logger() *slog.Logger { return b.logger }
func (b *Base) Settings() SettingsSource { return b.settings }

func (b *Base) Disabled(ctx context.Context) bool {
	return asBool(b.ConfigOption(ctx, OptDisable.String()))
}

func (b *Base) DefaultDelay(ctx context.Context) time.Duration {
	ms, _ := asMillis(b.ConfigOption(ctx, OptDefaultDelay.String()))
	return millis(ms)
}

func (b *Base) Unblock(ctx context.Context) bool {
	return asBool(b.ConfigOption(ctx, OptUnblock.String()))
}

func (b *Base) LogEnabled(ctx context.Context) bool {
	return asBool(b.ConfigOption(ctx, OptLog.String()))
}

func (b *Base) Persistent(ctx context.Context) bool {
	return asBool(b.ConfigOption(ctx, OptPersist.String()))
}

func (b *Base) UsePredefinedExcludes(ctx context.Context) bool {
	return asBool(b.ConfigOption(ctx, OptUsePredefinedExcludes.String()))
}

// Close stops every cache subscription and closes the store if it holds
// resources.
func (b *Base) Close() error {
	b.mu.RLock()
	for _, c := range b.categories {
		c.cache.Close()
	}
	b.mu.RUnlock()
	b.cache.Close()

	var errs []error
	if closer, ok := b.store.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if closer, ok := b.names.(io.Closer); ok && any(b.names) != any(b.store) {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}
