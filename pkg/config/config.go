// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the calink YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds defaults that command-line flags may override
type Config struct {
	LogLevel          string   `yaml:"log_level"`
	WriteWithCallback bool     `yaml:"write_with_callback"`
	Timeouts          Timeouts `yaml:"timeouts"`
	Transport         Link     `yaml:"transport"`
	Database          string   `yaml:"database"`
	Serve             Serve    `yaml:"serve"`
}

// Timeouts are the connection link timeouts
type Timeouts struct {
	Search time.Duration `yaml:"search"`
	Read   time.Duration `yaml:"read"`
	Write  time.Duration `yaml:"write"`
}

// Link selects how a remote gateway is reached
type Link struct {
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

// Serve configures the gateway server
type Serve struct {
	Listen  string `yaml:"listen"`
	Serial  string `yaml:"serial"`
	Baud    int    `yaml:"baud"`
	Metrics bool   `yaml:"metrics"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Timeouts: Timeouts{
			Search: 3 * time.Second,
			Read:   2 * time.Second,
			Write:  2 * time.Second,
		},
		Transport: Link{Baud: 115200},
		Serve:     Serve{Listen: ":5065", Baud: 115200, Metrics: true},
	}
}

// Load reads a YAML config file, expands environment variables and
// overlays it on Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse expands and decodes YAML config data
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no command can use
func (c *Config) Validate() error {
	if c.Timeouts.Search < 0 || c.Timeouts.Read < 0 || c.Timeouts.Write < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Transport.Port != "" && c.Transport.URL != "" {
		return fmt.Errorf("transport: port and url are mutually exclusive")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
