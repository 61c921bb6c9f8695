// Package config loads the patchctl daemon configuration: defaults, then a
// TOML file, then PATCHCTL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Profile          string        `env:"PATCHCTL_PROFILE"`
	DBPath           string        `env:"PATCHCTL_DB_PATH"`
	AdminAddr        string        `env:"PATCHCTL_ADMIN_ADDR"`
	AdminToken       string        `env:"PATCHCTL_ADMIN_TOKEN"`
	PayloadPath      string        `env:"PATCHCTL_PAYLOAD_PATH"`
	MaxRequeues      int           `env:"PATCHCTL_MAX_REQUEUES"`
	MaxPayloadBytes  uint64        `env:"PATCHCTL_MAX_PAYLOAD_BYTES"`
	HandshakeTimeout time.Duration `env:"PATCHCTL_HANDSHAKE_TIMEOUT"`
	OTelEndpoint     string        `env:"PATCHCTL_OTEL_ENDPOINT"`
	Scripts          []string      `env:"PATCHCTL_SCRIPTS" envSeparator:","`
	Watch            WatchConfig   `envPrefix:"PATCHCTL_WATCH_"`
}

type WatchConfig struct {
	Names    []string      `env:"NAMES" envSeparator:","`
	Interval time.Duration `env:"INTERVAL"`
}

func Default() Config {
	return Config{
		Profile:          "default",
		DBPath:           "patchctl.db",
		AdminAddr:        "127.0.0.1:7020",
		MaxPayloadBytes:  8 * 1024 * 1024,
		HandshakeTimeout: 30 * time.Second,
		Watch: WatchConfig{
			Interval: 2 * time.Second,
		},
	}
}

type fileConfig struct {
	Profile          string   `toml:"profile"`
	DBPath           string   `toml:"db_path"`
	AdminAddr        string   `toml:"admin_addr"`
	AdminToken       string   `toml:"admin_token"`
	PayloadPath      string   `toml:"payload_path"`
	MaxRequeues      int      `toml:"max_requeues"`
	MaxPayloadBytes  int64    `toml:"max_payload_bytes"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	OTelEndpoint     string   `toml:"otel_endpoint"`
	Scripts          []string `toml:"scripts"`
	Watch            struct {
		Names    []string `toml:"names"`
		Interval string   `toml:"interval"`
	} `toml:"watch"`
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}

	if meta.IsDefined("profile") {
		cfg.Profile = strings.TrimSpace(raw.Profile)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("payload_path") {
		cfg.PayloadPath = strings.TrimSpace(raw.PayloadPath)
	}
	if meta.IsDefined("max_requeues") {
		cfg.MaxRequeues = raw.MaxRequeues
	}
	if meta.IsDefined("max_payload_bytes") {
		if raw.MaxPayloadBytes <= 0 {
			return fmt.Errorf("%w: max_payload_bytes must be positive", ErrInvalid)
		}
		cfg.MaxPayloadBytes = uint64(raw.MaxPayloadBytes)
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return fmt.Errorf("config: parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("otel_endpoint") {
		cfg.OTelEndpoint = strings.TrimSpace(raw.OTelEndpoint)
	}
	if meta.IsDefined("scripts") {
		cfg.Scripts = normalizeList(raw.Scripts)
	}
	if meta.IsDefined("watch", "names") {
		cfg.Watch.Names = normalizeList(raw.Watch.Names)
	}
	if meta.IsDefined("watch", "interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Watch.Interval))
		if err != nil {
			return fmt.Errorf("config: parse watch.interval: %w", err)
		}
		cfg.Watch.Interval = d
	}
	return nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Profile) == "" {
		return fmt.Errorf("%w: missing profile", ErrInvalid)
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return fmt.Errorf("%w: missing db_path", ErrInvalid)
	}
	if cfg.MaxRequeues < 0 {
		return fmt.Errorf("%w: max_requeues must not be negative", ErrInvalid)
	}
	if cfg.MaxPayloadBytes == 0 {
		return fmt.Errorf("%w: max_payload_bytes must be positive", ErrInvalid)
	}
	if cfg.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: handshake_timeout must not be negative", ErrInvalid)
	}
	if len(cfg.Watch.Names) > 0 && cfg.Watch.Interval <= 0 {
		return fmt.Errorf("%w: watch.interval must be positive", ErrInvalid)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
