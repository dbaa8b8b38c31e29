// Package config loads the subsync configuration file and applies
// environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Database  string `json:"database" envconfig:"SUBSYNC_DATABASE"`
	LogLevel  string `json:"log_level" envconfig:"SUBSYNC_LOG_LEVEL"`
	UserAgent string `json:"user_agent,omitempty" envconfig:"SUBSYNC_USER_AGENT"`

	FetchTimeoutSec int    `json:"fetch_timeout_sec" envconfig:"SUBSYNC_FETCH_TIMEOUT_SEC"`
	FetchSOCKS5     string `json:"fetch_socks5,omitempty" envconfig:"SUBSYNC_FETCH_SOCKS5"`
	AllowInsecure   bool   `json:"allow_insecure,omitempty" envconfig:"SUBSYNC_ALLOW_INSECURE"`
	TLS13Only       bool   `json:"tls13_only,omitempty" envconfig:"SUBSYNC_TLS13_ONLY"`
	MirrorPrefix    string `json:"github_mirror_prefix,omitempty" envconfig:"SUBSYNC_GITHUB_MIRROR_PREFIX"`

	SingBoxPath  string `json:"sing_box_path" envconfig:"SUBSYNC_SING_BOX_PATH"`
	ProbeWorkDir string `json:"probe_work_dir,omitempty" envconfig:"SUBSYNC_PROBE_WORK_DIR"`

	GeoTimeoutSec int    `json:"geo_timeout_sec" envconfig:"SUBSYNC_GEO_TIMEOUT_SEC"`
	MMDBPath      string `json:"mmdb_path,omitempty" envconfig:"SUBSYNC_MMDB_PATH"`

	SchedulerTickSec int `json:"scheduler_tick_sec" envconfig:"SUBSYNC_SCHEDULER_TICK_SEC"`
}

func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "subsync", "config.json"), nil
}

func defaultDatabasePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "subsync.db"
	}
	return filepath.Join(dir, "subsync", "subsync.db")
}

// Load reads path, applies .env and SUBSYNC_* overrides and normalizes the
// result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		logrus.Debugf("[Config] %s not found, using defaults", path)
	default:
		return nil, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides cfg with SUBSYNC_* variables, reading .env first when
// present. Unset variables leave the field alone. Every field carries its
// full variable name so that no unprefixed variable is consulted.
func ApplyEnv(cfg *Config) error {
	_ = godotenv.Load()
	if err := envconfig.Process("", cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

func Save(path string, cfg *Config) error {
	if err := Normalize(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	return os.WriteFile(path, raw, 0644)
}

func Normalize(cfg *Config) error {
	cfg.Database = strings.TrimSpace(cfg.Database)
	if cfg.Database == "" {
		cfg.Database = defaultDatabasePath()
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	cfg.UserAgent = strings.TrimSpace(cfg.UserAgent)
	if cfg.FetchTimeoutSec <= 0 {
		cfg.FetchTimeoutSec = 25
	}
	cfg.FetchSOCKS5 = strings.TrimSpace(cfg.FetchSOCKS5)
	if cfg.FetchSOCKS5 != "" {
		if _, _, err := net.SplitHostPort(cfg.FetchSOCKS5); err != nil {
			return fmt.Errorf("invalid fetch socks5 address %q: %w", cfg.FetchSOCKS5, err)
		}
	}
	cfg.MirrorPrefix = strings.TrimSpace(cfg.MirrorPrefix)
	if cfg.MirrorPrefix != "" && !strings.HasPrefix(cfg.MirrorPrefix, "http://") && !strings.HasPrefix(cfg.MirrorPrefix, "https://") {
		return fmt.Errorf("github mirror prefix must start with http:// or https://")
	}
	cfg.SingBoxPath = strings.TrimSpace(cfg.SingBoxPath)
	if cfg.SingBoxPath == "" {
		cfg.SingBoxPath = "sing-box"
	}
	cfg.ProbeWorkDir = strings.TrimSpace(cfg.ProbeWorkDir)
	if cfg.GeoTimeoutSec <= 0 {
		cfg.GeoTimeoutSec = 5
	}
	cfg.MMDBPath = strings.TrimSpace(cfg.MMDBPath)
	if cfg.SchedulerTickSec <= 0 {
		cfg.SchedulerTickSec = 20
	}
	return nil
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

func (c *Config) GeoTimeout() time.Duration {
	return time.Duration(c.GeoTimeoutSec) * time.Second
}

func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSec) * time.Second
}

func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
