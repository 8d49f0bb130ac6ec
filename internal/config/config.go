/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables are treated as read-only overrides at runtime.
//
// config_version: bump when the structure changes in a backward-incompatible way.
type AppConfig struct {
	ConfigVersion int             `yaml:"config_version"`
	General       GeneralConfig   `yaml:"general"`
	Session       SessionConfig   `yaml:"session"`
	Storage       StorageConfig   `yaml:"storage"`
	Parser        ParserConfig    `yaml:"parser"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

type GeneralConfig struct {
	// CatalogPath points at the conversation catalog manifest (YAML).
	CatalogPath string `yaml:"catalog"`
}

type SessionConfig struct {
	SaveThrottleMs int `yaml:"save_throttle_ms"`
	SaveTimeoutMs  int `yaml:"save_timeout_ms"`
	MaxAutoJumps   int `yaml:"max_auto_jumps"`
}

// Throttle returns the minimum interval between throttled saves.
func (s SessionConfig) Throttle() time.Duration {
	if s.SaveThrottleMs < 0 {
		return time.Duration(Defaults().Session.SaveThrottleMs) * time.Millisecond
	}
	return time.Duration(s.SaveThrottleMs) * time.Millisecond
}

// SaveTimeout bounds a single storage write.
func (s SessionConfig) SaveTimeout() time.Duration {
	if s.SaveTimeoutMs <= 0 {
		return time.Duration(Defaults().Session.SaveTimeoutMs) * time.Millisecond
	}
	return time.Duration(s.SaveTimeoutMs) * time.Millisecond
}

// StorageConfig selects where conversation state is persisted.
// Backend is one of "memory", "file", "sqlite", "postgres".
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// The Postgres password is not stored on disk; it lives in the OS keychain.
}

type ParserConfig struct {
	// CrossChapterPatterns overrides the substrings that mark a jump target as
	// belonging to another chapter. Nil keeps the built-in list.
	CrossChapterPatterns []string `yaml:"cross_chapter_patterns,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type TelemetryConfig struct {
	OptIn     bool   `yaml:"opt_in"`
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Session:       SessionConfig{SaveThrottleMs: 500, SaveTimeoutMs: 5000, MaxAutoJumps: 256},
		Storage:       StorageConfig{Backend: "file"},
		Logging:       LoggingConfig{Level: "info", Format: "console"},
		Telemetry:     TelemetryConfig{TimeoutMs: 3000},
	}
}

// Env var names used as overrides.
const (
	EnvConfigPath = "BCH_CONFIG"
	EnvCatalog    = "BCH_CATALOG"
	EnvBackend    = "BCH_STORAGE_BACKEND"
	EnvPGDSN      = "BCH_PG_DSN"
	EnvLogLevel   = "BCH_LOG_LEVEL"
	EnvLogFormat  = "BCH_LOG_FORMAT"
	EnvLogSource  = "BCH_LOG_SOURCE"
	EnvLogFile    = "BCH_LOG_FILE"
	EnvTelemetry  = "BCH_TELEMETRY_OPT_IN"
)

// envOverrides mirrors the overridable fields. Unset variables leave the
// pointers nil so file values survive.
type envOverrides struct {
	CatalogPath       *string  `env:"BCH_CATALOG"`
	SaveThrottleMs    *int     `env:"BCH_SAVE_THROTTLE_MS"`
	SaveTimeoutMs     *int     `env:"BCH_SAVE_TIMEOUT_MS"`
	MaxAutoJumps      *int     `env:"BCH_MAX_AUTO_JUMPS"`
	Backend           *string  `env:"BCH_STORAGE_BACKEND"`
	StorageDir        *string  `env:"BCH_STORAGE_DIR"`
	SQLitePath        *string  `env:"BCH_SQLITE_PATH"`
	PostgresDSN       *string  `env:"BCH_PG_DSN"`
	CrossChapter      []string `env:"BCH_CROSS_CHAPTER_PATTERNS" envSeparator:","`
	LogLevel          *string  `env:"BCH_LOG_LEVEL"`
	LogFormat         *string  `env:"BCH_LOG_FORMAT"`
	LogSource         *bool    `env:"BCH_LOG_SOURCE"`
	LogFile           *string  `env:"BCH_LOG_FILE"`
	TelemetryOptIn    *bool    `env:"BCH_TELEMETRY_OPT_IN"`
	TelemetryEndpoint *string  `env:"BCH_TELEMETRY_URL"`
}

// ConfigDir returns the per-user application directory.
func ConfigDir() (string, error) {
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "BubbleChat")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "BubbleChat")
	default:
		if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
			base = filepath.Join(x, "bubblechat")
		} else {
			base = filepath.Join(os.Getenv("HOME"), ".config", "bubblechat")
		}
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return base, nil
}

// ConfigPath returns the config file path, honoring BCH_CONFIG.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the user config file (if present) over the defaults and applies
// environment overrides. The Postgres password is read from the keyring and
// returned separately.
func Load() (AppConfig, string, error) {
	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		return cfg, "", err
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Defaults(), "", fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, "", err
	}
	normalize(&cfg)
	secret, _ := GetSecret()
	return cfg, secret, nil
}

// Save writes the user config YAML and persists the secret into the OS keyring (if non-empty).
func Save(cfg AppConfig, secret string) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if secret != "" {
		if err := SetSecret(secret); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvOverrides(cfg *AppConfig) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	setString(&cfg.General.CatalogPath, o.CatalogPath)
	setInt(&cfg.Session.SaveThrottleMs, o.SaveThrottleMs)
	setInt(&cfg.Session.SaveTimeoutMs, o.SaveTimeoutMs)
	setInt(&cfg.Session.MaxAutoJumps, o.MaxAutoJumps)
	setString(&cfg.Storage.Backend, o.Backend)
	setString(&cfg.Storage.Dir, o.StorageDir)
	setString(&cfg.Storage.SQLitePath, o.SQLitePath)
	setString(&cfg.Storage.PostgresDSN, o.PostgresDSN)
	if o.CrossChapter != nil {
		cfg.Parser.CrossChapterPatterns = o.CrossChapter
	}
	setString(&cfg.Logging.Level, o.LogLevel)
	setString(&cfg.Logging.Format, o.LogFormat)
	if o.LogSource != nil {
		cfg.Logging.Source = *o.LogSource
	}
	setString(&cfg.Logging.File, o.LogFile)
	if o.TelemetryOptIn != nil {
		cfg.Telemetry.OptIn = *o.TelemetryOptIn
	}
	setString(&cfg.Telemetry.Endpoint, o.TelemetryEndpoint)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = strings.TrimSpace(*v)
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func normalize(cfg *AppConfig) {
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = Defaults().Storage.Backend
	}
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	names := map[string]string{
		"general.catalog":  EnvCatalog,
		"storage.backend":  EnvBackend,
		"storage.postgres": EnvPGDSN,
		"logging.level":    EnvLogLevel,
		"logging.format":   EnvLogFormat,
		"logging.source":   EnvLogSource,
		"logging.file":     EnvLogFile,
		"telemetry.opt_in": EnvTelemetry,
	}
	if name, ok := names[key]; ok && os.Getenv(name) != "" {
		return name, true
	}
	return "", false
}
