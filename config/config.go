package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calport/callbridge/service"
)

// ServiceConfig declares a service created at startup and the name of the
// handler bound to it. Handler names are resolved against the handlers the
// embedding program registered.
type ServiceConfig struct {
	ID      uint32 `yaml:"id"`
	Flags   uint32 `yaml:"flags"`
	Handler string `yaml:"handler"`
}

type RateLimitConfig struct {
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	IdleTTL time.Duration `yaml:"idleTTL"`
}

// Config is the immutable startup configuration. It is loaded once; the
// core never reloads it.
type Config struct {
	Listen      string `yaml:"listen"`
	WSListen    string `yaml:"wsListen"`
	AdminListen string `yaml:"adminListen"`

	MaxClients        int    `yaml:"maxClients"`
	RegistryCapacity  int    `yaml:"registryCapacity"`
	QueueCapacity     int    `yaml:"queueCapacity"`
	MaxMessageSize    uint32 `yaml:"maxMessageSize"`
	MaxCommandPayload int    `yaml:"maxCommandPayload"`

	IdleThreshold time.Duration `yaml:"idleThreshold"`
	GCInterval    time.Duration `yaml:"gcInterval"`

	AcceptTimeout time.Duration `yaml:"acceptTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`

	EnableMDNS bool   `yaml:"enableMDNS"`
	EnableMCP  bool   `yaml:"enableMCP"`
	Instance   string `yaml:"instance"`

	Services []ServiceConfig `yaml:"services"`
}

// Default returns the configuration used when no file overrides it. The
// observed deployments disagreed on the client bound (10 vs 128); it is a
// parameter here, defaulting to the larger value.
func Default() Config {
	return Config{
		Listen:            "0.0.0.0:9090",
		AdminListen:       "127.0.0.1:9091",
		MaxClients:        128,
		RegistryCapacity:  32,
		QueueCapacity:     256,
		MaxMessageSize:    64 * 1024,
		MaxCommandPayload: 4096,
		IdleThreshold:     time.Hour,
		GCInterval:        time.Minute,
		AcceptTimeout:     time.Second,
		ReadTimeout:       time.Second,
		WriteTimeout:      3 * time.Second,
		RateLimit: RateLimitConfig{
			RPS:     10,
			Burst:   20,
			IdleTTL: 10 * time.Minute,
		},
		Instance: "callbridge",
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.RegistryCapacity <= 0 || c.RegistryCapacity > service.MaxSlots {
		return fmt.Errorf("registryCapacity must be in 1..%d, got %d", service.MaxSlots, c.RegistryCapacity)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queueCapacity must be positive, got %d", c.QueueCapacity)
	}
	if c.MaxMessageSize == 0 {
		return fmt.Errorf("maxMessageSize must be positive")
	}
	if c.MaxCommandPayload <= 0 || uint32(c.MaxCommandPayload) > c.MaxMessageSize {
		return fmt.Errorf("maxCommandPayload must be in 1..maxMessageSize, got %d", c.MaxCommandPayload)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("maxClients must be positive, got %d", c.MaxClients)
	}
	if c.IdleThreshold <= 0 || c.GCInterval <= 0 {
		return fmt.Errorf("idleThreshold and gcInterval must be positive")
	}
	return nil
}
