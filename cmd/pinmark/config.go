package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hay-kot/criterio"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pinmark/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Queue    ConfigQueue    `toml:"queue"`
	Realtime ConfigRealtime `toml:"realtime"`
	Worker   ConfigWorker   `toml:"worker"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	Token    string `toml:"token"`
	BaseURL  string `toml:"base_url"`
	Viewport string `toml:"viewport,omitempty"`
}

// ConfigQueue selects where pending operations are kept between runs.
type ConfigQueue struct {
	Driver   string `toml:"driver"`
	Path     string `toml:"path,omitempty"`
	RedisURL string `toml:"redis_url,omitempty"`
}

// ConfigRealtime selects the live event transport.
type ConfigRealtime struct {
	Transport string `toml:"transport"`
}

// ConfigWorker configures `pinmark worker`.
type ConfigWorker struct {
	MaxAttempts   int    `toml:"max_attempts,omitempty"`
	WebhookURL    string `toml:"webhook_url,omitempty"`
	WebhookSecret string `toml:"webhook_secret,omitempty"`
}

type ConfigLog struct {
	Level string `toml:"level,omitempty"`
}

const (
	queueMemory = "memory"
	queueSQLite = "sqlite"
	queueRedis  = "redis"

	transportWS   = "ws"
	transportSSE  = "sse"
	transportNone = "none"
)

// Validate checks enumerated values and the fields each driver depends on.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	switch c.Queue.Driver {
	case "", queueMemory, queueSQLite:
	case queueRedis:
		if c.Queue.RedisURL == "" {
			errs = errs.Append("queue.redis_url", fmt.Errorf("is required for the redis driver"))
		}
	default:
		errs = errs.Append("queue.driver", fmt.Errorf("unknown driver %q (valid: memory, sqlite, redis)", c.Queue.Driver))
	}

	switch c.Realtime.Transport {
	case "", transportWS, transportSSE, transportNone:
	default:
		errs = errs.Append("realtime.transport", fmt.Errorf("unknown transport %q (valid: ws, sse, none)", c.Realtime.Transport))
	}

	if c.Worker.MaxAttempts < 0 {
		errs = errs.Append("worker.max_attempts", fmt.Errorf("must not be negative"))
	}
	if c.Worker.WebhookURL != "" && c.Worker.WebhookSecret == "" {
		errs = errs.Append("worker.webhook_secret", fmt.Errorf("is required when worker.webhook_url is set"))
	}

	return errs.ToError()
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.pinmark, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pinmark")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if flags.ConfigPath != "" {
		return flags.ConfigPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// defaultQueuePath is where the sqlite driver keeps its database.
func defaultQueuePath() string {
	dir, err := configDir()
	if err != nil {
		return "pinmark-queue.db"
	}
	return filepath.Join(dir, "queue.db")
}

func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

// readConfig parses the file at path. A missing file yields a zero-value Config.
func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return writeConfig(path, cfg)
}

// writeConfig writes cfg to path as TOML, readable only by the owner.
func writeConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "queue.driver").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "viewport":
			cfg.Default.Viewport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "queue":
		switch field {
		case "driver":
			cfg.Queue.Driver = value
		case "path":
			cfg.Queue.Path = value
		case "redis_url":
			cfg.Queue.RedisURL = value
		default:
			return fmt.Errorf("unknown field %q in section [queue]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			cfg.Realtime.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "worker":
		switch field {
		case "max_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("worker.max_attempts: %w", err)
			}
			cfg.Worker.MaxAttempts = n
		case "webhook_url":
			cfg.Worker.WebhookURL = value
		case "webhook_secret":
			cfg.Worker.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [worker]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, queue, realtime, worker, log)", section)
	}
	return nil
}
