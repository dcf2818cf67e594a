// Package config loads and validates the panel's configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/zapdeck/panel/internal/auth"
	"github.com/zapdeck/panel/internal/observability"
)

// Config is the root configuration for the panel daemon.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Database   DatabaseConfig          `yaml:"database"`
	Auth       AuthConfig              `yaml:"auth"`
	Logging    observability.LogConfig `yaml:"logging"`
	Connection ConnectionConfig        `yaml:"connection"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	// Path is the SQLite database file. Empty means in-memory, which loses
	// settings on restart.
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret   string            `yaml:"jwt_secret"`
	TokenExpiry time.Duration     `yaml:"token_expiry"`
	Users       []auth.Credential `yaml:"users"`
}

type ConnectionConfig struct {
	// TransitionDelay simulates the gateway's connect/disconnect latency.
	TransitionDelay time.Duration `yaml:"transition_delay"`
}

// Default returns the configuration used when no file is given. Auth is
// disabled until users are configured.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
		},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Connection: ConnectionConfig{
			TransitionDelay: 1500 * time.Millisecond,
		},
	}
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if len(c.Auth.Users) > 0 && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.users is set")
	}
	for i, user := range c.Auth.Users {
		if strings.TrimSpace(user.Email) == "" {
			return fmt.Errorf("auth.users[%d].email is required", i)
		}
		if strings.TrimSpace(user.PasswordSHA256) == "" {
			return fmt.Errorf("auth.users[%d].password_sha256 is required", i)
		}
	}
	if c.Connection.TransitionDelay < 0 {
		return fmt.Errorf("connection.transition_delay must not be negative")
	}
	return nil
}

// applyDefaults fills zero values after decoding a file.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = defaults.Auth.TokenExpiry
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
	if c.Connection.TransitionDelay == 0 {
		c.Connection.TransitionDelay = defaults.Connection.TransitionDelay
	}
}
