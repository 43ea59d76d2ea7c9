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
	"context"
	"fmt"
	"maps"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/lagrunner/config"
	"github.com/cardinalhq/lagrunner/internal/lagconfig"
	"github.com/cardinalhq/lagrunner/internal/recordstore"
	"github.com/cardinalhq/lagrunner/lagapi"
)

// The policy commands edit the persistent store directly, so running
// servers pick the change up through their change listeners.

func init() {
	excludeCmd.Flags().Bool("include", false, "Remove the targets from the exclude list instead")
	delayCmd.Flags().Bool("clear", false, "Clear the explicit delay so the targets inherit the default")
	namesCmd.Flags().String("type", "", "Only list targets of this category")
	dumpCmd.Flags().String("type", "", "Only dump records of this type")
	dumpCmd.Flags().String("level", "", "Only dump records written by this level")

	rootCmd.AddCommand(defaultDelayCmd, delayCmd, excludeCmd, applyCmd, dumpCmd, namesCmd)
}

// persistentSettings forces the base tier onto the persistent store.
type persistentSettings struct {
	lagconfig.SettingsSource
}

func (s persistentSettings) Lookup(path string) (map[string]any, bool) {
	m, ok := s.SettingsSource.Lookup(path)
	if path != lagconfig.SettingsPath(lagconfig.LevelBase) {
		return m, ok
	}
	out := maps.Clone(m)
	if out == nil {
		out = map[string]any{}
	}
	out[lagconfig.OptPersist.String()] = true
	return out, true
}

// withPolicyAPI opens the persistent policy store for the duration of fn.
func withPolicyAPI(fn func(ctx context.Context, api *lagapi.API) error) error {
	setupCLILogging()
	ctx, cancel := handleSignals(context.Background())
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Database.Configured() {
		return fmt.Errorf("%w: the policy commands need a lag database", config.ErrDatabaseNotConfigured)
	}
	settings, err := config.LoadLagSettings(cfg.Lag.SettingsFile)
	if err != nil {
		return err
	}

	base, err := buildTiers(ctx, cfg, persistentSettings{settings})
	if err != nil {
		return err
	}
	defer func() { _ = base.Close() }()
	return fn(ctx, lagapi.New(base))
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a non-negative number of milliseconds", lagconfig.ErrInvalidInput, s)
	}
	return lagconfig.DurationFromMillis(ms)
}

var defaultDelayCmd = &cobra.Command{
	Use:   "default-delay [ms]",
	Short: "Show or set the default delay",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		return withPolicyAPI(func(ctx context.Context, api *lagapi.API) error {
			if len(args) == 0 {
				fmt.Fprintln(c.OutOrStdout(), api.GetDefaultDelay(ctx).Milliseconds())
				return nil
			}
			d, err := parseMillis(args[0])
			if err != nil {
				return err
			}
			prev, err := api.SetDefaultDelay(ctx, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "default delay %d -> %d ms\n", prev.Milliseconds(), d.Milliseconds())
			return nil
		})
	},
}

var delayCmd = &cobra.Command{
	Use:   "delay <category> <name> [ms]",
	Short: "Show, set or clear the delay of one target",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(c *cobra.Command, args []string) error {
		clearDelay, _ := c.Flags().GetBool("clear")
		category, name := args[0], args[1]
		return withPolicyAPI(func(ctx context.Context, api *lagapi.API) error {
			switch {
			case clearDelay:
				if err := api.ClearDelaysFor(ctx, category, []string{name}); err != nil {
					return err
				}
			case len(args) == 3:
				d, err := parseMillis(args[2])
				if err != nil {
					return err
				}
				if err := api.SetDelaysFor(ctx, category, map[string]time.Duration{name: d}); err != nil {
					return err
				}
			}
			d, err := api.GetDelayFor(ctx, category, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%s %s %d\n", category, name, d.Milliseconds())
			return nil
		})
	},
}

var excludeCmd = &cobra.Command{
	Use:   "exclude <category> <name>...",
	Short: "Exclude targets from delay",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		include, _ := c.Flags().GetBool("include")
		return withPolicyAPI(func(ctx context.Context, api *lagapi.API) error {
			return api.SetExclude(ctx, args[0], args[1:], !include)
		})
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Apply a settings document to the stored policy",
	Long:  "Apply a YAML or JSON document of the same shape as the settings file. Lists in the document replace the stored ones.",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		doc, err := config.ParseLagSettings(data)
		if err != nil {
			return err
		}
		return withPolicyAPI(func(ctx context.Context, api *lagapi.API) error {
			return api.ApplyDocument(ctx, doc)
		})
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the stored lag records as YAML",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		typ, _ := c.Flags().GetString("type")
		level, _ := c.Flags().GetString("level")
		return withPolicyAPI(func(ctx context.Context, api *lagapi.API) error {
			records, err := api.Records(ctx, recordstore.Filter{Type: typ, Level: level})
			if err != nil {
				return err
			}
			return writeYAML(c, records)
		})
	},
}

var namesCmd = &cobra.Command{
	Use:   "names",
	Short: "List every target that has been wrapped",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		typ, _ := c.Flags().GetString("type")
		return withPolicyAPI(func(ctx context.Context, api *lagapi.API) error {
			names, err := api.TargetNames(ctx, typ)
			if err != nil {
				return err
			}
			return writeYAML(c, names)
		})
	},
}

func writeYAML(c *cobra.Command, v any) error {
	enc := yaml.NewEncoder(c.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
