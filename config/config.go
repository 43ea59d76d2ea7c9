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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// Config aggregates configuration for the lagrunner process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Lag      LagConfig      `mapstructure:"lag"`
}

type ServerConfig struct {
	// GRPCAddr is where the demo gRPC server listens.
	GRPCAddr string `mapstructure:"grpc_addr"`
	// AdminAddr is where the health and admin HTTP server listens.
	AdminAddr string `mapstructure:"admin_addr"`
	// SerializeClients runs at most one call per client connection at a
	// time unless the call is unblocked.
	SerializeClients bool `mapstructure:"serialize_clients"`
	// PinnedMethods can never release their client slot early.
	PinnedMethods []string `mapstructure:"pinned_methods"`
}

type LagConfig struct {
	// SettingsFile is a YAML or JSON document with a top level "lagConfig" key.
	SettingsFile string `mapstructure:"settings_file"`
}

// DatabaseConfig locates the PostgreSQL database used when persistence is
// enabled. URL wins over the individual parts.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

var ErrDatabaseNotConfigured = errors.New("database connection configuration is unavailable")

// Configured reports whether enough is set to attempt a connection.
func (d DatabaseConfig) Configured() bool {
	return d.URL != "" || (d.Host != "" && d.DBName != "")
}

// ConnectionString builds a postgresql:// URL from the configured parts.
func (d DatabaseConfig) ConnectionString() (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}

	var missing []string
	if d.Host == "" {
		missing = append(missing, "database.host")
	}
	if d.DBName == "" {
		missing = append(missing, "database.dbname")
	}
	if len(missing) > 0 {
		return "", errors.Join(ErrDatabaseNotConfigured,
			fmt.Errorf("missing required setting(s): %s", strings.Join(missing, ", ")))
	}

	port := d.Port
	if port == "" {
		port = "5432"
	}

	u := &url.URL{
		Scheme: "postgresql",
		Host:   d.Host + ":" + port,
		Path:   d.DBName,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}

	q := u.Query()
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if appName := os.Getenv("OTEL_SERVICE_NAME"); appName != "" {
		q.Set("application_name", sanitizeAppName(appName))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// sanitizeAppName keeps only characters postgres accepts in application_name
// without quoting, capped at the 63 byte identifier limit.
func sanitizeAppName(name string) string {
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr:  ":9095",
			AdminAddr: ":8090",
		},
		Lag: LagConfig{
			SettingsFile: "settings.json",
		},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "LAGRUNNER" and the dot character
// in keys is replaced by an underscore. For example, "database.host" becomes
// "LAGRUNNER_DATABASE_HOST".
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("LAGRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.Server.PinnedMethods = splitList(strings.Join(cfg.Server.PinnedMethods, ","))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
