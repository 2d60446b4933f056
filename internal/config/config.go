// Package config provides configuration management for the rotator
// extensions. It handles loading and parsing YAML configuration files and
// provides structured access to application settings including the managed
// provider, agent state directory, proxy configuration, and the local
// management endpoint.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Provider is the upstream provider whose account pool is managed.
	Provider string `yaml:"provider"`

	// StateDir overrides the base agent-state directory. When empty the
	// PI_STATE_DIR environment variable and then the built-in default apply.
	StateDir string `yaml:"state-dir"`

	// ProxyURL routes all OAuth HTTP traffic through a proxy
	// (socks5:// or http(s)://).
	ProxyURL string `yaml:"proxy-url"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// RemoteManagement nests local management API options.
	RemoteManagement RemoteManagement `yaml:"remote-management"`
}

// RemoteManagement holds management API settings.
type RemoteManagement struct {
	// Port is the port the management API listens on when serving.
	Port int `yaml:"port"`
	// AllowRemote binds the management API beyond the loopback interface.
	AllowRemote bool `yaml:"allow-remote"`
	// SecretKey is the management key (plaintext or bcrypt hashed).
	SecretKey string `yaml:"secret-key"`
}

const defaultManagementPort = 8317

// DefaultConfig returns a configuration with built-in defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Provider:         "gemini",
		RemoteManagement: RemoteManagement{Port: defaultManagementPort},
	}
}

// LoadConfig reads the YAML file at path. A missing file yields the default
// configuration rather than an error so a fresh install works without setup.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.RemoteManagement.Port <= 0 {
		cfg.RemoteManagement.Port = defaultManagementPort
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.hashSecretKey()
	return cfg, nil
}

// hashSecretKey replaces a plaintext management key with its bcrypt hash.
// Values that already look hashed are kept as-is.
func (c *Config) hashSecretKey() {
	secret := strings.TrimSpace(c.RemoteManagement.SecretKey)
	if secret == "" || looksLikeBcrypt(secret) {
		c.RemoteManagement.SecretKey = secret
		return
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		// Keep the plaintext value; verification falls back to constant-time compare.
		return
	}
	c.RemoteManagement.SecretKey = string(hashed)
}

// looksLikeBcrypt returns true if the provided string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
