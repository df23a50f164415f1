package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Host == "" || cfg.Server.Port == 0 {
		t.Error("expected server address to be set")
	}
	if cfg.Log.Level == "" {
		t.Error("expected Log.Level to be set")
	}
	if !cfg.Automation.Production() {
		t.Error("engine must default to production mode")
	}
	if cfg.Automation.TickInterval != time.Minute {
		t.Errorf("expected 1m tick, got %s", cfg.Automation.TickInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestAutomationConfig_Production(t *testing.T) {
	tests := []struct {
		mode string
		want bool
	}{
		{"production", true},
		{"development", false},
		{"Development", false},
		{"", true},
	}
	for _, tt := range tests {
		if got := (AutomationConfig{Mode: tt.mode}).Production(); got != tt.want {
			t.Errorf("Production(%q) = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Automation.Mode = "staging" }, "automation.mode"},
		{"tick too small", func(c *Config) { c.Automation.TickInterval = time.Millisecond }, "tick_interval"},
		{"no workers", func(c *Config) { c.Automation.MaxConcurrent = 0 }, "max_concurrent"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := `
server:
  port: 9090
automation:
  mode: development
  tick_interval: 30s
  rules_file: ./rules.yaml
actions:
  circuit_breaker:
    max_failures: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	viper.Reset()
	defer viper.Reset()
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Automation.Production() {
		t.Error("expected development mode")
	}
	if cfg.Automation.TickInterval != 30*time.Second {
		t.Errorf("expected 30s tick, got %s", cfg.Automation.TickInterval)
	}
	if cfg.Actions.CircuitBreaker.MaxFailures != 2 {
		t.Errorf("expected max_failures 2, got %d", cfg.Actions.CircuitBreaker.MaxFailures)
	}
	// 未覆盖的字段保持默认
	if cfg.Automation.HistoryLimit != 1000 || cfg.Server.Host != "0.0.0.0" {
		t.Error("defaults lost during unmarshal")
	}
}

func TestConfigureLogger(t *testing.T) {
	logger := logrus.New()
	lc := GetDefaultConfig().Log
	lc.Level = "debug"
	lc.Format = "text"
	lc.Output = "file"
	lc.FilePath = filepath.Join(t.TempDir(), "logs", "app.log")

	if err := configureLogger(logger, lc); err != nil {
		t.Fatalf("configureLogger failed: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("expected text formatter, got %T", logger.Formatter)
	}
	if _, err := os.Stat(filepath.Dir(lc.FilePath)); err != nil {
		t.Errorf("log directory not created: %v", err)
	}

	lc.Level = "loud"
	if err := configureLogger(logger, lc); err != nil {
		t.Fatal(err)
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("invalid level should fall back to info, got %s", logger.GetLevel())
	}
}
