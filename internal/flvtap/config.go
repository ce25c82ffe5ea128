package flvtap

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
	Stream  StreamConfig  `yaml:"stream"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StreamConfig struct {
	// Transport selects the upstream RTP transport: "tcp" or "udp".
	Transport string `yaml:"transport"`

	// StatsPeriodSeconds is the timing summary interval.
	StatsPeriodSeconds int `yaml:"stats_period_seconds"`

	// SubscriberBuffer is the per-viewer tag queue; a viewer that falls
	// this many tags behind is disconnected.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// StartupGraceSeconds bounds how long a viewer waits for the stream
	// prologue before the request is abandoned.
	StartupGraceSeconds int `yaml:"startup_grace_seconds"`

	// ReadTimeoutSeconds bounds each upstream network read.
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		HTTP:    HTTPConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info"},
		Stream: StreamConfig{
			Transport:           "tcp",
			StatsPeriodSeconds:  10,
			SubscriberBuffer:    512,
			StartupGraceSeconds: 10,
			ReadTimeoutSeconds:  10,
		},
	}
}

// LoadConfig loads configuration from a yaml file
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid. Callers that mutate a
// loaded config, such as flag overrides, must re-run it.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d (must be between 1-65535)", c.HTTP.Port)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if strings.ToLower(c.Logging.Level) == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	transport := strings.ToLower(c.Stream.Transport)
	if transport != "tcp" && transport != "udp" {
		return fmt.Errorf("invalid transport: %s (must be tcp or udp)", c.Stream.Transport)
	}

	if c.Stream.StatsPeriodSeconds <= 0 {
		return fmt.Errorf("invalid stats_period_seconds: %d (must be positive)", c.Stream.StatsPeriodSeconds)
	}

	if c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("invalid subscriber_buffer: %d (must be positive)", c.Stream.SubscriberBuffer)
	}

	if c.Stream.StartupGraceSeconds <= 0 {
		return fmt.Errorf("invalid startup_grace_seconds: %d (must be positive)", c.Stream.StartupGraceSeconds)
	}

	if c.Stream.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid read_timeout_seconds: %d (must be positive)", c.Stream.ReadTimeoutSeconds)
	}

	return nil
}

// GetSlogLevel returns slog.Level from config
func (c *Config) GetSlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StatsPeriod returns the summary interval as a duration.
func (c *Config) StatsPeriod() time.Duration {
	return time.Duration(c.Stream.StatsPeriodSeconds) * time.Second
}

// StartupGrace returns the prologue wait bound as a duration.
func (c *Config) StartupGrace() time.Duration {
	return time.Duration(c.Stream.StartupGraceSeconds) * time.Second
}

// ReadTimeout returns the upstream read bound as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Stream.ReadTimeoutSeconds) * time.Second
}
