// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultTimezone is the market timezone when schedule.timezone is unset.
	defaultTimezone = "Asia/Kolkata"
	// defaultMarketOpen is the earliest allowed trading time.
	defaultMarketOpen = "09:15"
	// defaultMarketClose is the latest allowed trading time.
	defaultMarketClose = "15:30"
	// defaultBrokerTimeout is used when broker.timeout is unset.
	defaultBrokerTimeout = "10s"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ServerConfig defines the inbound HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BrokerConfig defines order API settings.
type BrokerConfig struct {
	APIEndpoint string `yaml:"api_endpoint"`
	Timeout     string `yaml:"timeout"`
}

// ScheduleConfig defines the market calendar the engine enforces.
type ScheduleConfig struct {
	Timezone    string `yaml:"timezone"`
	MarketOpen  string `yaml:"market_open"`  // "HH:MM"
	MarketClose string `yaml:"market_close"` // "HH:MM"
}

// StorageConfig defines storage settings for strategy and position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug|info|warn|error")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}

	if c.Broker.APIEndpoint == "" {
		return fmt.Errorf("broker.api_endpoint is required")
	}
	if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}

	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	open, err1 := time.ParseInLocation("15:04", c.Schedule.MarketOpen, loc)
	clos, err2 := time.ParseInLocation("15:04", c.Schedule.MarketClose, loc)
	if err1 != nil || err2 != nil ||
		(open.Hour() > clos.Hour() || (open.Hour() == clos.Hour() && open.Minute() >= clos.Minute())) {
		return fmt.Errorf("schedule market window invalid (open/close parse/order)")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// BrokerTimeout returns the configured broker request timeout.
func (c *Config) BrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Location returns the configured market timezone. Validate guarantees it
// loads; on a stale zone database it falls back to fixed IST.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) applyDefaults() {
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.MarketOpen == "" {
		c.Schedule.MarketOpen = defaultMarketOpen
	}
	if c.Schedule.MarketClose == "" {
		c.Schedule.MarketClose = defaultMarketClose
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
}
