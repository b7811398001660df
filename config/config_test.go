package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if cfg.Listen != "0.0.0.0:9090" {
		t.Errorf("Expected default listen 0.0.0.0:9090, got %q", cfg.Listen)
	}
	if cfg.MaxClients != 128 {
		t.Errorf("Expected default max clients 128, got %d", cfg.MaxClients)
	}
	if cfg.IdleThreshold != time.Hour {
		t.Errorf("Expected default idle threshold 1h, got %v", cfg.IdleThreshold)
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Unexpected load error: %v", err)
	}
	def := Default()
	if cfg.Listen != def.Listen || cfg.QueueCapacity != def.QueueCapacity || cfg.MaxMessageSize != def.MaxMessageSize {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	data := []byte(`
listen: 127.0.0.1:7000
maxClients: 10
queueCapacity: 16
idleThreshold: 30m
services:
  - id: 1
    handler: echo
  - id: 2
    flags: 4
    handler: reverse
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Unexpected load error: %v", err)
	}

	if cfg.Listen != "127.0.0.1:7000" {
		t.Errorf("Expected overridden listen, got %q", cfg.Listen)
	}
	if cfg.MaxClients != 10 {
		t.Errorf("Expected max clients 10, got %d", cfg.MaxClients)
	}
	if cfg.QueueCapacity != 16 {
		t.Errorf("Expected queue capacity 16, got %d", cfg.QueueCapacity)
	}
	if cfg.IdleThreshold != 30*time.Minute {
		t.Errorf("Expected idle threshold 30m, got %v", cfg.IdleThreshold)
	}

	// Unset fields keep their defaults.
	if cfg.RegistryCapacity != Default().RegistryCapacity {
		t.Errorf("Expected default registry capacity, got %d", cfg.RegistryCapacity)
	}

	if len(cfg.Services) != 2 {
		t.Fatalf("Expected 2 services, got %d", len(cfg.Services))
	}
	if cfg.Services[1].ID != 2 || cfg.Services[1].Flags != 4 || cfg.Services[1].Handler != "reverse" {
		t.Errorf("Unexpected second service: %+v", cfg.Services[1])
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing listen", func(c *Config) { c.Listen = "" }},
		{"zero registry capacity", func(c *Config) { c.RegistryCapacity = 0 }},
		{"registry capacity above slots", func(c *Config) { c.RegistryCapacity = 65 }},
		{"zero queue capacity", func(c *Config) { c.QueueCapacity = 0 }},
		{"zero message size", func(c *Config) { c.MaxMessageSize = 0 }},
		{"payload above message size", func(c *Config) {
			c.MaxMessageSize = 1024
			c.MaxCommandPayload = 2048
		}},
		{"zero max clients", func(c *Config) { c.MaxClients = 0 }},
		{"zero gc interval", func(c *Config) { c.GCInterval = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
