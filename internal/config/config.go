package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const FileName = "closeloop.yml"

// Config models closeloop.yml.
type Config struct {
	Facility struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"facility"`
	Thresholds struct {
		DueSoonDays    int `yaml:"due_soon_days"`
		InactivityDays int `yaml:"inactivity_days"`
	} `yaml:"thresholds"`
	Log    LogConfig    `yaml:"log"`
	Notify NotifyConfig `yaml:"notify"`
	Server ServerConfig `yaml:"server"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NotifyConfig struct {
	Kafka    KafkaConfig     `yaml:"kafka"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

func (w WebhookConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Facility.ID == "" {
		return fmt.Errorf("config.facility.id is required")
	}
	if c.Thresholds.DueSoonDays < 0 {
		return fmt.Errorf("config.thresholds.due_soon_days must be >= 0")
	}
	if c.Thresholds.InactivityDays < 0 {
		return fmt.Errorf("config.thresholds.inactivity_days must be >= 0")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	if len(c.Notify.Kafka.Brokers) > 0 && c.Notify.Kafka.Topic == "" {
		return fmt.Errorf("config.notify.kafka.topic is required when brokers are set")
	}
	for i, b := range c.Notify.Kafka.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("config.notify.kafka.brokers[%d] is empty", i)
		}
	}
	for i, wh := range c.Notify.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url %q is not an absolute url", i, wh.URL)
		}
		for _, evt := range wh.Events {
			if evt == "" {
				return fmt.Errorf("config.notify.webhooks[%d] has empty event type", i)
			}
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// DueSoonDays returns the configured due-soon threshold or the default of 7.
func (c *Config) DueSoonDays() int {
	if c == nil || c.Thresholds.DueSoonDays <= 0 {
		return 7
	}
	return c.Thresholds.DueSoonDays
}

// InactivityDays returns the stale-case threshold or the default of 5.
func (c *Config) InactivityDays() int {
	if c == nil || c.Thresholds.InactivityDays <= 0 {
		return 5
	}
	return c.Thresholds.InactivityDays
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(facilityID string) string {
	return fmt.Sprintf(defaultTemplate, facilityID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a facility.
func Default(facilityID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(facilityID))).Decode(&cfg)
	cfg.Facility.ID = facilityID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

const defaultTemplate = `facility:
  id: %s
  name: ""

thresholds:
  due_soon_days: 7
  inactivity_days: 5

log:
  level: info
  format: console

notify:
  kafka:
    brokers: []
    topic: compliance.escalations
  webhooks: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
`
