// ABOUTME: Configuration loading and parsing for the tasklink gateway
// ABOUTME: Supports YAML and TOML files with environment variable expansion

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Auth    AuthConfig    `yaml:"auth" toml:"auth"`
	Tunnel  TunnelConfig  `yaml:"tunnel" toml:"tunnel"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener settings. The port is OS-assigned when zero.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
}

// AuthConfig holds authentication settings. The process token is never
// configured: it is minted fresh on every run.
type AuthConfig struct {
	// WebPassword gates sessions when the gateway is publicly exposed.
	WebPassword string `yaml:"web_password" toml:"web_password"`

	// LockoutThreshold is the failed-attempt count that triggers a
	// permanent block (default 5).
	LockoutThreshold int `yaml:"lockout_threshold" toml:"lockout_threshold"`

	// LockoutGrace is how long the gateway keeps serving after a lockout
	// before shutting itself down, so the rejection response can flush.
	LockoutGrace time.Duration `yaml:"-" toml:"-"`

	LockoutGraceRaw string `yaml:"lockout_grace" toml:"lockout_grace"`
}

// TunnelConfig holds the external exposure settings.
type TunnelConfig struct {
	// Enabled switches the gateway to external mode: the reachable URL
	// comes from the tunnel provider instead of the LAN address.
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`

	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout" toml:"connect_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Auth: AuthConfig{
			LockoutThreshold: 5,
			LockoutGrace:     time.Second,
		},
		Tunnel: TunnelConfig{
			Hostname:  "tasklink",
			Ephemeral: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a configuration file, chosen as YAML or TOML by extension.
// Environment variables in ${VAR_NAME} form are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Auth.LockoutGraceRaw != "" {
		cfg.Auth.LockoutGrace, err = time.ParseDuration(cfg.Auth.LockoutGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing lockout_grace %q: %w", cfg.Auth.LockoutGraceRaw, err)
		}
	}
	if cfg.Tunnel.ConnectTimeoutRaw != "" {
		cfg.Tunnel.ConnectTimeout, err = time.ParseDuration(cfg.Tunnel.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.Tunnel.ConnectTimeoutRaw, err)
		}
	}
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Auth.LockoutThreshold < 0 {
		return fmt.Errorf("auth.lockout_threshold must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Tunnel.Enabled && c.Tunnel.Hostname == "" {
		return fmt.Errorf("tunnel.hostname is required when the tunnel is enabled")
	}
	return nil
}
