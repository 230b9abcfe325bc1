// Package config loads the YAML configuration describing how a bus
// process should bind and what it should do with message history.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bus configuration document.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Transport TransportConfig `yaml:"transport"`
	History   HistoryConfig   `yaml:"history"`

	RegisterTimeoutSeconds int `yaml:"register_timeout_seconds"`
}

// TransportConfig selects and configures the duplex transport a broker
// binds or a client dials.
type TransportConfig struct {
	Kind string `yaml:"kind"` // "unix" or "tcp"

	// Unix
	SocketPath string `yaml:"socket_path"`

	// TCP + CURVE-style handshake
	Address  string `yaml:"address"`
	CertsDir string `yaml:"certs_dir"`
	Identity string `yaml:"identity"` // this process's keypair name within CertsDir

	LatencyMinMillis int `yaml:"latency_min_millis"`
	LatencyMaxMillis int `yaml:"latency_max_millis"`
}

// HistoryConfig selects the optional observational message store.
type HistoryConfig struct {
	Backend    string `yaml:"backend"` // "", "memory", or "badger"
	Capacity   int    `yaml:"capacity"`
	Dir        string `yaml:"dir"`
	MaxEntries int    `yaml:"max_entries"`
}

// Load reads and parses filename, filling in defaults and validating the
// result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "unix"
	}
	if cfg.Transport.SocketPath == "" {
		cfg.Transport.SocketPath = "/tmp/swarmbus.sock"
	}
	if cfg.Transport.Address == "" {
		cfg.Transport.Address = ":9101"
	}
	if cfg.RegisterTimeoutSeconds == 0 {
		cfg.RegisterTimeoutSeconds = 5
	}
	if cfg.History.Backend == "memory" && cfg.History.Capacity == 0 {
		cfg.History.Capacity = 1000
	}
	if cfg.History.Backend == "badger" && cfg.History.MaxEntries == 0 {
		cfg.History.MaxEntries = 10000
	}
}

func (c *Config) validate() error {
	switch c.Transport.Kind {
	case "unix", "tcp":
	default:
		return fmt.Errorf("config: transport.kind must be \"unix\" or \"tcp\", got %q", c.Transport.Kind)
	}
	if c.Transport.Kind == "tcp" && c.Transport.CertsDir == "" {
		return fmt.Errorf("config: transport.certs_dir is required when transport.kind is \"tcp\"")
	}
	if c.RegisterTimeoutSeconds < 0 {
		return fmt.Errorf("config: register_timeout_seconds cannot be negative: %d", c.RegisterTimeoutSeconds)
	}
	switch c.History.Backend {
	case "", "memory", "badger":
	default:
		return fmt.Errorf("config: history.backend must be \"\", \"memory\", or \"badger\", got %q", c.History.Backend)
	}
	if c.History.Backend == "badger" && c.History.Dir == "" {
		return fmt.Errorf("config: history.dir is required when history.backend is \"badger\"")
	}
	return nil
}
