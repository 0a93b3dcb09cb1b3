package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
environment:
  mode: paper
  log_level: debug
server:
  host: 127.0.0.1
  port: 8080
broker:
  api_endpoint: http://localhost:5000
  timeout: 5s
schedule:
  timezone: Asia/Kolkata
  market_open: "09:15"
  market_close: "15:30"
storage:
  path: data/engine.db
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if !cfg.IsPaperTrading() {
		t.Error("expected paper trading mode")
	}
	if cfg.BrokerTimeout() != 5*time.Second {
		t.Errorf("BrokerTimeout = %v, want 5s", cfg.BrokerTimeout())
	}
	if cfg.ListenAddr() != "127.0.0.1:8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr())
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
environment:
  mode: live
server:
  port: 9000
broker:
  api_endpoint: http://localhost:5000
storage:
  path: data/engine.db
`))
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Schedule.Timezone != "Asia/Kolkata" {
		t.Errorf("timezone default = %q", cfg.Schedule.Timezone)
	}
	if cfg.Schedule.MarketOpen != "09:15" || cfg.Schedule.MarketClose != "15:30" {
		t.Errorf("market window defaults = %q-%q", cfg.Schedule.MarketOpen, cfg.Schedule.MarketClose)
	}
	if cfg.Environment.LogLevel != "info" {
		t.Errorf("log level default = %q", cfg.Environment.LogLevel)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_BROKER_ENDPOINT", "http://broker.internal:5000")
	cfg, err := Load(writeConfig(t, `
environment:
  mode: paper
server:
  port: 8080
broker:
  api_endpoint: ${TEST_BROKER_ENDPOINT}
storage:
  path: data/engine.db
`))
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Broker.APIEndpoint != "http://broker.internal:5000" {
		t.Errorf("APIEndpoint = %q", cfg.Broker.APIEndpoint)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\nmystery_section:\n  key: value\n"))
	if err == nil {
		t.Error("expected unknown fields to be rejected")
	}
}

func TestLoadInvalidPath(t *testing.T) {
	if _, err := Load("nonexistent.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, validYAML))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "yolo" }},
		{"bad log level", func(c *Config) { c.Environment.LogLevel = "loud" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing endpoint", func(c *Config) { c.Broker.APIEndpoint = "" }},
		{"bad timeout", func(c *Config) { c.Broker.Timeout = "soon" }},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }},
		{"open after close", func(c *Config) { c.Schedule.MarketOpen = "16:00" }},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
