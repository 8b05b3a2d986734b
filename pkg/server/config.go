package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort           int    `toml:"tcp_port"`
	HTTPPort          int    `toml:"http_port"`
	CredentialsPath   string `toml:"credentials_path"`
	CredentialsDriver string `toml:"credentials_driver"`
}

type LimitsSection struct {
	IdleTimeoutSeconds   int `toml:"idle_timeout_seconds"`
	BlockDurationSeconds int `toml:"block_duration_seconds"`
	WriteTimeoutSeconds  int `toml:"write_timeout_seconds"`
	MaxLoginAttempts     int `toml:"max_login_attempts"`
	MaxConnections       int `toml:"max_connections"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:           defaults.TCPPort,
			HTTPPort:          defaults.HTTPPort,
			CredentialsPath:   defaults.CredentialsPath,
			CredentialsDriver: defaults.CredentialsDriver,
		},
		Limits: LimitsSection{
			IdleTimeoutSeconds:   int(defaults.IdleTimeout / time.Second),
			BlockDurationSeconds: int(defaults.BlockDuration / time.Second),
			WriteTimeoutSeconds:  int(defaults.WriteTimeout / time.Second),
			MaxLoginAttempts:     defaults.MaxLoginAttempts,
			MaxConnections:       defaults.MaxConnections,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			log.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Chat relay server configuration
# This file was auto-generated with default values.
# credentials_driver is "file" (username password per line) or "sqlite".
# http_port 0 disables /metrics, /healthz and /ws.
# block_duration_seconds is recorded only: lockouts are permanent.
# A zero limit here keeps the default. The idle timeout given on the command
# line replaces idle_timeout_seconds, and 0 there disables the idle timeout.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.CredentialsPath) != "" {
		cfg.CredentialsPath = c.Server.CredentialsPath
	}
	if strings.TrimSpace(c.Server.CredentialsDriver) != "" {
		cfg.CredentialsDriver = c.Server.CredentialsDriver
	}

	if c.Limits.IdleTimeoutSeconds != 0 {
		cfg.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	}
	if c.Limits.BlockDurationSeconds != 0 {
		cfg.BlockDuration = time.Duration(c.Limits.BlockDurationSeconds) * time.Second
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Limits.MaxLoginAttempts != 0 {
		cfg.MaxLoginAttempts = c.Limits.MaxLoginAttempts
	}
	if c.Limits.MaxConnections != 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}

	return cfg
}

// Validate rejects settings the server cannot run with
func (c ServerConfig) Validate() error {
	switch {
	case c.TCPPort < 0 || c.TCPPort > 65535:
		return fmt.Errorf("tcp port %d out of range", c.TCPPort)
	case c.HTTPPort < 0 || c.HTTPPort > 65535:
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	case c.IdleTimeout < 0:
		return fmt.Errorf("idle timeout must not be negative")
	case c.BlockDuration < 0:
		return fmt.Errorf("block duration must not be negative")
	case c.MaxLoginAttempts < 1:
		return fmt.Errorf("max login attempts must be at least 1")
	case c.MaxConnections < 0:
		return fmt.Errorf("max connections must not be negative")
	}
	return nil
}

// expandHome expands a leading ~/ in path
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
