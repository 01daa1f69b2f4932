package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the env var overriding the YAML config path.
const ConfigFileEnv = "NIGHTWATCH_CONFIG"

// DefaultConfigFile is consulted when NIGHTWATCH_CONFIG is unset. A missing
// file is not an error; everything has defaults.
const DefaultConfigFile = "nightwatch.yaml"

// Load resolves the configuration in three layers: built-in defaults, the
// optional YAML file, then environment variables. The result is validated.
//
// Environment variables:
//
//	PORT        listen port (default 3001)
//	DB_PATH     SQLite file path
//	IC_TZ       IANA timezone of the imaging-control host
//	IC_URL      imaging-control WebSocket URL
//	IC_HISTORY_URL  event-history HTTP URL
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv(ConfigFileEnv)
	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}
	if err := mergeYAML(cfg, path, explicit); err != nil {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// The timezone must resolve before the normalizer can use it.
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	return cfg, nil
}

// Location returns the resolved *time.Location. Load has already verified it
// parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// mergeYAML overlays the YAML file onto cfg. When the file was named
// explicitly via NIGHTWATCH_CONFIG, a missing file is fatal.
func mergeYAML(cfg *Config, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge config file %s: %w", path, err)
	}

	slog.Info("Loaded configuration file", "path", path)
	return nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("IC_TZ"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("IC_URL"); v != "" {
		cfg.Upstream.URL = v
	}
	if v := os.Getenv("IC_HISTORY_URL"); v != "" {
		cfg.Upstream.HistoryURL = v
	}
	return nil
}
