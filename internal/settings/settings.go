// Package settings exposes the user's preferences (units, location) to
// skills. The file is written by an external settings app; calico only
// reads it.
package settings

import (
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	KeyTempUnit   = "temp_unit"
	KeyOtherUnits = "other_units"
	KeyZipCode    = "zip_code"
	KeyRegion     = "region"
	KeyLocale     = "locale"
)

type Settings struct {
	v *viper.Viper
}

// DefaultPath is the config.json location used when none is configured.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, "Documents", "Calico", "settings", "config.json")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyTempUnit, "f")
	v.SetDefault(KeyOtherUnits, "imperial")
	v.SetDefault(KeyRegion, "us")
	v.SetDefault(KeyLocale, "en")
	v.SetDefault(KeyZipCode, "")

	v.SetEnvPrefix("CALICO_SETTINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Defaults returns settings backed only by defaults and the environment.
func Defaults() *Settings {
	return &Settings{v: newViper()}
}

// Load reads the JSON settings file at path. A missing file is not an
// error: defaults apply.
func Load(path string) (*Settings, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			log.Warn("Settings file not found, using defaults", "path", path)
			return &Settings{v: v}, nil
		}
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	log.Info("Settings loaded", "path", path)
	return &Settings{v: v}, nil
}

// TempUnit is "f" or "c".
func (s *Settings) TempUnit() string {
	if strings.EqualFold(s.v.GetString(KeyTempUnit), "c") {
		return "c"
	}
	return "f"
}

// Metric reports whether other_units is metric.
func (s *Settings) Metric() bool {
	return strings.EqualFold(s.v.GetString(KeyOtherUnits), "metric")
}

func (s *Settings) ZipCode() string { return strings.TrimSpace(s.v.GetString(KeyZipCode)) }
func (s *Settings) Region() string  { return strings.ToLower(strings.TrimSpace(s.v.GetString(KeyRegion))) }
func (s *Settings) Locale() string  { return s.v.GetString(KeyLocale) }

// String returns an arbitrary key, or def when unset.
func (s *Settings) String(key, def string) string {
	if !s.v.IsSet(key) {
		return def
	}
	if v := s.v.GetString(key); v != "" {
		return v
	}
	return def
}
