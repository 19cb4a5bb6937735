// Package config loads daemon configuration from a YAML file merged with
// environment variables. Flags are parsed by the binary and win over both.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Maintenance struct {
		Enabled bool   `yaml:"enabled"`
		Cron    string `yaml:"cron"`
	} `yaml:"maintenance"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Addr returns the listen address, defaulting to 127.0.0.1:8442.
func (c *Config) Addr() string {
	host := c.Server.Address
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Server.Port
	if port == 0 {
		port = 8442
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Load reads the YAML file at path (optional) and applies environment
// overrides: CHATSYNC_ADDR, CHATSYNC_PORT, CHATSYNC_DB_PATH,
// CHATSYNC_LOG_LEVEL.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("CHATSYNC_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("CHATSYNC_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHATSYNC_PORT: %w", err)
		}
		c.Server.Port = p
	}
	if v := os.Getenv("CHATSYNC_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return &c, nil
}
