package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Node identity
	KeyDir string `yaml:"key_dir"`

	// Agents Configuration
	Agents map[string]AgentConfig `yaml:"agents"`

	// Transport Configuration
	Transport TransportConfig `yaml:"transport"`

	// Relay Configuration
	Relay RelayConfig `yaml:"relay"`

	// Redis Configuration
	Redis RedisConfig `yaml:"redis"`

	// Runtime Configuration
	Runtime RuntimeConfig `yaml:"runtime"`

	// Observability Configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// AgentConfig holds configuration for a single agent
type AgentConfig struct {
	Name     string            `yaml:"name"`
	KeyDir   string            `yaml:"key_dir"`
	Mailbox  string            `yaml:"mailbox"`
	Settings map[string]string `yaml:"settings"`
}

// TransportConfig holds the gRPC listener and peer settings
type TransportConfig struct {
	ListenAddr string            `yaml:"listen_addr"`
	Endpoints  map[string]string `yaml:"endpoints"` // address -> host:port
	TLS        TLSConfig         `yaml:"tls"`
}

// TLSConfig mirrors transport.TLSConfig in yaml form
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// RelayConfig holds mailbox relay settings
type RelayConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Endpoint  string        `yaml:"endpoint"`
	Serve     bool          `yaml:"serve"`
	Retention time.Duration `yaml:"retention"`
	PollBase  time.Duration `yaml:"poll_base"`
	PollMax   time.Duration `yaml:"poll_max"`
}

// RedisConfig holds the optional Redis backend settings
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// RuntimeConfig holds runtime configuration
type RuntimeConfig struct {
	InboxSize     int           `yaml:"inbox_size"`
	ReplayWindow  int           `yaml:"replay_window"`
	EnvelopeTTL   time.Duration `yaml:"envelope_ttl"`
	SessionIdle   time.Duration `yaml:"session_idle"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// ObservabilityConfig holds the metrics/health listener settings
type ObservabilityConfig struct {
	Port int `yaml:"port"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	if cfg.KeyDir == "" {
		cfg.KeyDir = "."
	}
	if cfg.Runtime.InboxSize == 0 {
		cfg.Runtime.InboxSize = 100
	}
	if cfg.Runtime.ReplayWindow == 0 {
		cfg.Runtime.ReplayWindow = 128
	}
	if cfg.Runtime.EnvelopeTTL == 0 {
		cfg.Runtime.EnvelopeTTL = 5 * time.Minute
	}
	if cfg.Runtime.SessionIdle == 0 {
		cfg.Runtime.SessionIdle = 10 * time.Minute
	}
	if cfg.Relay.Retention == 0 {
		cfg.Relay.Retention = 24 * time.Hour
	}
	if cfg.Relay.PollBase == 0 {
		cfg.Relay.PollBase = 2 * time.Second
	}
	if cfg.Relay.PollMax == 0 {
		cfg.Relay.PollMax = 2 * time.Minute
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
	if cfg.Observability.Port == 0 {
		cfg.Observability.Port = 9090
	}

	// Load settings from environment if not in config
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = os.Getenv("AGENTWIRE_REDIS_ADDR")
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("AGENTWIRE_REDIS_PASSWORD")
	}
	if cfg.Transport.ListenAddr == "" {
		cfg.Transport.ListenAddr = os.Getenv("AGENTWIRE_LISTEN_ADDR")
	}
	if cfg.Relay.Endpoint == "" {
		cfg.Relay.Endpoint = os.Getenv("AGENTWIRE_RELAY_ENDPOINT")
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	for name, a := range c.Agents {
		if a.Name == "" {
			a.Name = name
			c.Agents[name] = a
		}
	}
	if c.Relay.Enabled && !c.Relay.Serve && c.Relay.Endpoint == "" {
		return fmt.Errorf("relay.endpoint is required when relay is enabled")
	}
	if c.Transport.TLS.Enabled && (c.Transport.TLS.CertFile == "" || c.Transport.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file are required when tls is enabled")
	}
	return nil
}
