package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models botline.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Dispatch struct {
		TickSeconds            int `yaml:"tick_seconds"`
		LivenessWindowSeconds  int `yaml:"liveness_window_seconds"`
		DefaultTimeoutSeconds  int `yaml:"default_timeout_seconds"`
		DefaultMaxRetries      int `yaml:"default_max_retries"`
	} `yaml:"dispatch"`
	Sweep struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"sweep"`
	Notify struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"notify"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatch.TickSeconds <= 0 {
		return fmt.Errorf("config.dispatch.tick_seconds must be positive")
	}
	if c.Dispatch.LivenessWindowSeconds <= 0 {
		return fmt.Errorf("config.dispatch.liveness_window_seconds must be positive")
	}
	if c.Dispatch.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("config.dispatch.default_timeout_seconds must be positive")
	}
	if c.Dispatch.DefaultMaxRetries < 0 {
		return fmt.Errorf("config.dispatch.default_max_retries must not be negative")
	}
	if c.Sweep.IntervalSeconds <= 0 {
		return fmt.Errorf("config.sweep.interval_seconds must be positive")
	}
	if c.Notify.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.notify.timeout_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "botline.yml")
}

// Load reads config from workspace, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, _ := FromYAML([]byte(defaultTemplate))
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

func applyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8420"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if c.Dispatch.TickSeconds == 0 {
		c.Dispatch.TickSeconds = 30
	}
	if c.Dispatch.LivenessWindowSeconds == 0 {
		c.Dispatch.LivenessWindowSeconds = 300
	}
	if c.Dispatch.DefaultTimeoutSeconds == 0 {
		c.Dispatch.DefaultTimeoutSeconds = 3600
	}
	if c.Dispatch.DefaultMaxRetries == 0 {
		c.Dispatch.DefaultMaxRetries = 3
	}
	if c.Sweep.IntervalSeconds == 0 {
		c.Sweep.IntervalSeconds = 60
	}
	if c.Notify.TimeoutSeconds == 0 {
		c.Notify.TimeoutSeconds = 5
	}
}

const defaultTemplate = `server:
  addr: ":8420"
  base_path: /v0
  jwt_secret: ""
  allow_legacy_actor_header: false

dispatch:
  tick_seconds: 30
  liveness_window_seconds: 300
  default_timeout_seconds: 3600
  default_max_retries: 3

sweep:
  interval_seconds: 60

notify:
  timeout_seconds: 5
`
