package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full application configuration.
//
// Precedence, highest first: environment (CERTREG_ prefix, underscores map
// to dots: CERTREG_SERVER_ADDR -> server.addr), YAML config file, defaults.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Jobs     JobsConfig     `koanf:"jobs"`
	Progress ProgressConfig `koanf:"progress"`
	Lease    LeaseConfig    `koanf:"lease"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type JobsConfig struct {
	WorkDir            string `koanf:"work_dir"`
	TTLMinutes         int    `koanf:"ttl_minutes"`
	MaxActive          int    `koanf:"max_active"`
	SweepSeconds       int    `koanf:"sweep_seconds"`
	StartLimit         int    `koanf:"start_limit"`
	StartWindowSeconds int    `koanf:"start_window_seconds"`
}

func (c JobsConfig) TTL() time.Duration           { return time.Duration(c.TTLMinutes) * time.Minute }
func (c JobsConfig) SweepInterval() time.Duration { return time.Duration(c.SweepSeconds) * time.Second }
func (c JobsConfig) StartWindow() time.Duration {
	return time.Duration(c.StartWindowSeconds) * time.Second
}

type ProgressConfig struct {
	HeartbeatSeconds int `koanf:"heartbeat_seconds"`
}

func (c ProgressConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

type LeaseConfig struct {
	TTLMinutes int `koanf:"ttl_minutes"`
}

func (c LeaseConfig) TTL() time.Duration { return time.Duration(c.TTLMinutes) * time.Minute }

type LogConfig struct {
	Level string `koanf:"level"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.addr":                ":8080",
		"database.path":              "./records.db",
		"jobs.work_dir":              "",
		"jobs.ttl_minutes":           60,
		"jobs.max_active":            16,
		"jobs.sweep_seconds":         60,
		"jobs.start_limit":           10,
		"jobs.start_window_seconds":  60,
		"progress.heartbeat_seconds": 15,
		"lease.ttl_minutes":          15,
		"log.level":                  "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider("CERTREG_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CERTREG_")), "_", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
