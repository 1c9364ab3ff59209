package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// StoreConfig holds durable-store settings.
type StoreConfig struct {
	// Path to the sqlite database file. Empty uses <home>/taskdeck.db.
	Path string `yaml:"path"`
}

// StreamConfig tunes the real-time fan-out on both transports.
type StreamConfig struct {
	// HeartbeatSeconds is the ping interval on the socket and the push
	// stream. Default 30.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`

	// QueueSize bounds the per-connection outbound buffer. A connection
	// that falls this far behind is dropped. Default 64.
	QueueSize int `yaml:"queue_size"`
}

// RemindersConfig drives the stale-approval sweep.
type RemindersConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression. Default "*/5 * * * *".
	Schedule string `yaml:"schedule"`

	// StaleAfterMinutes is how long a plan may sit pending before the
	// sweep renotifies. Default 30.
	StaleAfterMinutes int `yaml:"stale_after_minutes"`
}

// RetentionConfig holds retention policy (days). 0 = keep forever.
type RetentionConfig struct {
	ActivityDays int `yaml:"activity_days"`
	AuditLogDays int `yaml:"audit_log_days"`

	// Schedule is a cron expression for the purge pass. Default "0 3 * * *".
	Schedule string `yaml:"schedule"`
}

// UpstreamConfig points at the agent gateway the dashboard proxies.
type UpstreamConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig controls trace/metric export.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`

	// Stdout swaps the OTLP exporter for a stdout one. Debugging only.
	Stdout bool `yaml:"stdout"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken guards mutating REST endpoints. The socket and the push
	// stream accept dashboard connections unauthenticated.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// socket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DefaultWorkspace is the workspace assigned to records created without
	// one.
	DefaultWorkspace string `yaml:"default_workspace"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Store     StoreConfig     `yaml:"store"`
	Stream    StreamConfig    `yaml:"stream"`
	Reminders RemindersConfig `yaml:"reminders"`
	Retention RetentionConfig `yaml:"retention"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Otel      OtelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the effective sqlite path for this config.
func (c Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.HomeDir, "taskdeck.db")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// SetAuthToken updates the auth token in config.yaml, preserving other settings.
func SetAuthToken(homeDir, token string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["auth_token"] = token
	return saveRawConfig(configPath, raw)
}

// WriteGenesis persists the current config as a fresh config.yaml. Called on
// first start when no config file exists yet.
func WriteGenesis(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o600)
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a running process holds.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|hb=%d|queue=%d|ws=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.Stream.HeartbeatSeconds, c.Stream.QueueSize,
		c.DefaultWorkspace, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18650",
		LogLevel:            "info",
		DefaultWorkspace:    "default",
		DrainTimeoutSeconds: 5,
		Stream: StreamConfig{
			HeartbeatSeconds: 30,
			QueueSize:        64,
		},
		Reminders: RemindersConfig{
			Enabled:           true,
			Schedule:          "*/5 * * * *",
			StaleAfterMinutes: 30,
		},
		Retention: RetentionConfig{
			ActivityDays: 90,
			AuditLogDays: 365,
			Schedule:     "0 3 * * *",
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds: 10,
		},
		Otel: OtelConfig{
			ServiceName: "taskdeck",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskdeck")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskdeck home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18650"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DefaultWorkspace) == "" {
		cfg.DefaultWorkspace = "default"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Stream.HeartbeatSeconds <= 0 {
		cfg.Stream.HeartbeatSeconds = 30
	}
	if cfg.Stream.QueueSize <= 0 {
		cfg.Stream.QueueSize = 64
	}
	if cfg.Reminders.Schedule == "" {
		cfg.Reminders.Schedule = "*/5 * * * *"
	}
	if cfg.Reminders.StaleAfterMinutes <= 0 {
		cfg.Reminders.StaleAfterMinutes = 30
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if cfg.Upstream.TimeoutSeconds <= 0 {
		cfg.Upstream.TimeoutSeconds = 10
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "taskdeck"
	}
}

// validate rejects settings that would wedge the fan-out path rather than
// letting them surface as mysterious runtime stalls.
func validate(cfg *Config) error {
	if cfg.Stream.QueueSize < 8 {
		return fmt.Errorf("stream.queue_size (%d) must be >= 8; smaller buffers drop clients on routine bursts", cfg.Stream.QueueSize)
	}
	if cfg.Stream.HeartbeatSeconds > 300 {
		return fmt.Errorf("stream.heartbeat_seconds (%d) must be <= 300; intermediaries time out idle connections", cfg.Stream.HeartbeatSeconds)
	}
	if cfg.Retention.ActivityDays < 0 || cfg.Retention.AuditLogDays < 0 {
		return fmt.Errorf("retention days must be >= 0")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKDECK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKDECK_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKDECK_DB_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("TASKDECK_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKDECK_HEARTBEAT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Stream.HeartbeatSeconds = v
		}
	}
	if raw := os.Getenv("TASKDECK_UPSTREAM_URL"); raw != "" {
		cfg.Upstream.BaseURL = raw
	}
	if raw := os.Getenv("TASKDECK_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
		cfg.Otel.Enabled = true
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
