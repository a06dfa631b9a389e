// Package config loads the server configuration from an optional file
// (YAML, TOML or JSON) layered under environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration. Precedence, lowest first:
// defaults, config file, environment variables.
type Config struct {
	Host         string `yaml:"host" toml:"host" json:"host" env:"IRC_HOST"`
	Port         int    `yaml:"port" toml:"port" json:"port" env:"IRC_PORT"`
	ServerName   string `yaml:"server_name" toml:"server_name" json:"server_name" env:"IRC_SERVER_NAME"`
	OperName     string `yaml:"oper_name" toml:"oper_name" json:"oper_name" env:"IRC_OPER_NAME"`
	OperPassword string `yaml:"oper_password" toml:"oper_password" json:"oper_password" env:"IRC_OPER_PASSWORD"`

	TLSEnabled bool   `yaml:"tls_enabled" toml:"tls_enabled" json:"tls_enabled" env:"IRC_TLS_ENABLED"`
	TLSPort    int    `yaml:"tls_port" toml:"tls_port" json:"tls_port" env:"IRC_TLS_PORT"`
	TLSCert    string `yaml:"tls_cert" toml:"tls_cert" json:"tls_cert" env:"IRC_TLS_CERT"`
	TLSKey     string `yaml:"tls_key" toml:"tls_key" json:"tls_key" env:"IRC_TLS_KEY"`

	// DatabaseURL is handed to the store untouched. Empty means the
	// in-memory store.
	DatabaseURL string `yaml:"database_url" toml:"database_url" json:"database_url" env:"IRC_DATABASE_URL"`

	MOTD  string `yaml:"motd" toml:"motd" json:"motd" env:"IRC_MOTD"`
	Debug bool   `yaml:"debug" toml:"debug" json:"debug" env:"IRC_DEBUG"`
}

// Default returns a configuration populated with the stock defaults.
func Default() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         6667,
		ServerName:   "malefirc.local",
		OperName:     "admin",
		OperPassword: "adminpass",
		TLSPort:      6697,
		MOTD:         "Welcome to malefirc",
	}
}

// Load builds a configuration from the file at path (may be empty for
// env-only operation) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// Fields without a matching environment variable are left untouched.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	return cfg, nil
}

// loadFile reads a config file, choosing the format by extension.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(path, ".json"):
		err = json.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}

	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ListenAddr returns the plain TCP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSListenAddr returns the TLS listen address.
func (c *Config) TLSListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.TLSPort)
}
