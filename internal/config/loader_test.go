// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

type testServerConfig struct {
	Port        int           `koanf:"port"`
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

type testLoggingConfig struct {
	Level string `koanf:"level"`
}

type testConfig struct {
	Server  testServerConfig  `koanf:"server"`
	Logging testLoggingConfig `koanf:"logging"`
}

func testDefaults() testConfig {
	return testConfig{
		Server: testServerConfig{
			Port:        8080,
			ReadTimeout: 15 * time.Second,
		},
		Logging: testLoggingConfig{
			Level: "info",
		},
	}
}

func writeTestConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "server:\n  port: 9090\n  read_timeout: 30s\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoader_StructDefaults(t *testing.T) {
	loader := NewLoader("ORCHEST_TEST")
	if err := loader.LoadWithDefaults(testDefaults(), ""); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	var cfg testConfig
	if err := loader.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("expected read_timeout 15s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected level info, got %s", cfg.Logging.Level)
	}
}

func TestLoader_ConfigFileOverridesDefaults(t *testing.T) {
	configPath := writeTestConfigFile(t)

	loader := NewLoader("ORCHEST_TEST")
	if err := loader.LoadWithDefaults(testDefaults(), configPath); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	var cfg testConfig
	if err := loader.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090 from config file, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected read_timeout 30s from config file, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug from config file, got %s", cfg.Logging.Level)
	}
}

func TestLoader_EnvVarsOverrideConfigFile(t *testing.T) {
	configPath := writeTestConfigFile(t)

	// Double underscore for nesting
	t.Setenv("ORCHEST_TEST__SERVER__PORT", "7070")
	t.Setenv("ORCHEST_TEST__LOGGING__LEVEL", "warn")

	loader := NewLoader("ORCHEST_TEST")
	if err := loader.LoadWithDefaults(testDefaults(), configPath); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	var cfg testConfig
	if err := loader.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070 from env var, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected level warn from env var, got %s", cfg.Logging.Level)
	}
	// Config file value preserved when no env override
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected read_timeout 30s from config file, got %v", cfg.Server.ReadTimeout)
	}
}

func TestLoader_EnvVarTransformation(t *testing.T) {
	// Underscores inside a field name survive the transformation
	t.Setenv("ORCHEST_TEST__SERVER__READ_TIMEOUT", "45s")

	loader := NewLoader("ORCHEST_TEST")
	if err := loader.LoadWithDefaults(testDefaults(), ""); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	var cfg testConfig
	if err := loader.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.ReadTimeout != 45*time.Second {
		t.Errorf("expected read_timeout 45s from env var, got %v", cfg.Server.ReadTimeout)
	}
}

func TestLoader_MissingConfigFileFails(t *testing.T) {
	loader := NewLoader("ORCHEST_TEST")
	err := loader.LoadWithDefaults(testDefaults(), "nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoader_FlagsOverrideEnvVars(t *testing.T) {
	t.Setenv("ORCHEST_TEST__SERVER__PORT", "7070")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "server port")
	if err := flags.Parse([]string{"--port=5050"}); err != nil {
		t.Fatalf("flags.Parse failed: %v", err)
	}

	loader := NewLoader("ORCHEST_TEST")
	if err := loader.LoadWithDefaults(testDefaults(), ""); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if err := loader.LoadFlags(flags, map[string]string{
		"port": "server.port",
	}); err != nil {
		t.Fatalf("LoadFlags failed: %v", err)
	}

	var cfg testConfig
	if err := loader.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.Port != 5050 {
		t.Errorf("expected port 5050 from flag, got %d", cfg.Server.Port)
	}
}

func TestLoader_FlagsNotSetDoNotOverride(t *testing.T) {
	t.Setenv("ORCHEST_TEST__SERVER__PORT", "7070")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "server port")
	if err := flags.Parse([]string{}); err != nil {
		t.Fatalf("flags.Parse failed: %v", err)
	}

	loader := NewLoader("ORCHEST_TEST")
	if err := loader.LoadWithDefaults(testDefaults(), ""); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if err := loader.LoadFlags(flags, map[string]string{
		"port": "server.port",
	}); err != nil {
		t.Fatalf("LoadFlags failed: %v", err)
	}

	var cfg testConfig
	if err := loader.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070 from env var, got %d", cfg.Server.Port)
	}
}

// validatingConfig implements Validator
type validatingConfig struct {
	Server testServerConfig `koanf:"server"`
}

func (c *validatingConfig) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	return nil
}

func TestLoader_UnmarshalAndValidate(t *testing.T) {
	loader := NewLoader("ORCHEST_TEST")
	if err := loader.LoadWithDefaults(testDefaults(), ""); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	var cfg validatingConfig
	if err := loader.UnmarshalAndValidate("", &cfg); err != nil {
		t.Fatalf("UnmarshalAndValidate failed: %v", err)
	}

	if err := loader.Set("server.port", -1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := loader.UnmarshalAndValidate("", &cfg); err == nil {
		t.Fatal("expected validation error for negative port")
	}
}
