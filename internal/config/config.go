// Package config loads the edge service configuration from an optional YAML
// file overlaid with environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port        string `yaml:"port" env:"PORT"`
	TenantID    string `yaml:"tenant_id" env:"EDGE_TENANT_ID"`
	DeviceToken string `yaml:"device_token" env:"EDGE_DEVICE_TOKEN"`
	JWTSecret   string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer   string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	Timezone    string `yaml:"timezone" env:"TIMEZONE"`
	SeedFile    string `yaml:"seed_file" env:"SEED_FILE"`

	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Redis     RedisConfig     `yaml:"redis"`
	TTS       TTSConfig       `yaml:"tts"`
	Printer   PrinterConfig   `yaml:"printer"`
	NoShow    NoShowConfig    `yaml:"no_show"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver" env:"DB_DRIVER"`
	DSN        string `yaml:"dsn" env:"DB_DSN"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure bool   `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
}

type RealtimeConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" env:"REALTIME_POLL_INTERVAL"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" env:"REALTIME_KEEPALIVE_INTERVAL"`
	BatchSize         int           `yaml:"batch_size" env:"REALTIME_BATCH_SIZE"`
	RetryMax          time.Duration `yaml:"retry_max" env:"REALTIME_RETRY_MAX"`
}

type RedisConfig struct {
	URL     string `yaml:"url" env:"REDIS_URL"`
	Channel string `yaml:"channel" env:"REDIS_CHANNEL"`
}

type TTSConfig struct {
	Provider  string  `yaml:"provider" env:"TTS_PROVIDER"`
	URL       string  `yaml:"url" env:"TTS_URL"`
	Voice     string  `yaml:"voice" env:"TTS_VOICE"`
	Speed     float64 `yaml:"speed" env:"TTS_SPEED"`
	CacheDir  string  `yaml:"cache_dir" env:"TTS_CACHE_DIR"`
	QueueSize int     `yaml:"queue_size" env:"ANNOUNCE_QUEUE_SIZE"`
}

type PrinterConfig struct {
	Enabled *bool  `yaml:"enabled" env:"PRINTER_ENABLED"`
	Device  string `yaml:"device" env:"PRINTER_DEVICE"`
}

type NoShowConfig struct {
	Grace     time.Duration `yaml:"grace" env:"NO_SHOW_GRACE"`
	Interval  time.Duration `yaml:"interval" env:"NO_SHOW_INTERVAL"`
	BatchSize int           `yaml:"batch_size" env:"NO_SHOW_BATCH_SIZE"`
}

type RateLimitConfig struct {
	PerMinute       int `yaml:"per_minute" env:"RATE_LIMIT_PER_MIN"`
	Burst           int `yaml:"burst" env:"RATE_LIMIT_BURST"`
	TenantPerMinute int `yaml:"tenant_per_minute" env:"TENANT_RATE_LIMIT_PER_MIN"`
	TenantBurst     int `yaml:"tenant_burst" env:"TENANT_RATE_LIMIT_BURST"`
}

// Load reads path when it is not empty, then lets environment variables
// override individual keys. Defaults fill whatever is still unset.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Port == "" {
		c.Port = "7071"
	}
	if c.Timezone == "" {
		c.Timezone = "America/Sao_Paulo"
	}
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "edge.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Realtime.PollInterval <= 0 {
		c.Realtime.PollInterval = time.Second
	}
	if c.Realtime.KeepAliveInterval <= 0 {
		c.Realtime.KeepAliveInterval = 15 * time.Second
	}
	if c.Realtime.BatchSize <= 0 {
		c.Realtime.BatchSize = 50
	}
	if c.Realtime.RetryMax <= 0 {
		c.Realtime.RetryMax = 30 * time.Second
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "qms:edge:events"
	}
	if c.TTS.Voice == "" {
		c.TTS.Voice = "pf_dora"
	}
	if c.TTS.Speed == 0 {
		c.TTS.Speed = 1.0
	}
	if c.TTS.QueueSize <= 0 {
		c.TTS.QueueSize = 64
	}
	if c.Printer.Enabled == nil {
		enabled := true
		c.Printer.Enabled = &enabled
	}
	if c.Printer.Device == "" {
		c.Printer.Device = "/dev/usb/lp1"
	}
	if c.NoShow.Interval <= 0 {
		c.NoShow.Interval = 30 * time.Second
	}
	if c.NoShow.BatchSize <= 0 {
		c.NoShow.BatchSize = 100
	}
	if c.RateLimit.PerMinute <= 0 {
		c.RateLimit.PerMinute = 120
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 30
	}
	if c.RateLimit.TenantPerMinute <= 0 {
		c.RateLimit.TenantPerMinute = 600
	}
	if c.RateLimit.TenantBurst <= 0 {
		c.RateLimit.TenantBurst = 120
	}
}

func (c Config) Validate() error {
	var problems []string
	if c.TenantID == "" {
		problems = append(problems, "EDGE_TENANT_ID is required")
	} else if _, err := uuid.Parse(c.TenantID); err != nil {
		problems = append(problems, "EDGE_TENANT_ID must be a UUID")
	}
	if c.DeviceToken == "" {
		problems = append(problems, "EDGE_DEVICE_TOKEN is required")
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			problems = append(problems, "DB_DSN is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("DB_DRIVER %q is not supported", c.Database.Driver))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		problems = append(problems, "LOG_FORMAT must be json or console")
	}
	if c.NoShow.Grace < 0 {
		problems = append(problems, "NO_SHOW_GRACE must not be negative")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("TIMEZONE %q is unknown", c.Timezone))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location is the zone used for ticket numbering days and receipts.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func (c Config) PrinterEnabled() bool {
	return c.Printer.Enabled != nil && *c.Printer.Enabled
}
