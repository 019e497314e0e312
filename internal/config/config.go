// Package config handles the daemon configuration and the HCL rule-set
// format deployed to interfaces.
package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the daemon configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `hcl:"log_level,optional"`

	// MetricsListen is the Prometheus listen address; empty disables
	// the metrics endpoint.
	MetricsListen string `hcl:"metrics_listen,optional"`

	// Tool path overrides. Empty means PATH lookup.
	EbtablesPath  string `hcl:"ebtables_path,optional"`
	IptablesPath  string `hcl:"iptables_path,optional"`
	Ip6tablesPath string `hcl:"ip6tables_path,optional"`

	// DisableFirewalld skips firewalld detection and always runs the
	// tools directly.
	DisableFirewalld bool `hcl:"disable_firewalld,optional"`

	// Syslog mirrors log output to the local syslog daemon.
	Syslog bool `hcl:"syslog,optional"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
	}
}

// LoadFile loads a daemon configuration from an HCL file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := hclsimple.Decode(path, data, nil, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values that HCL decoding cannot.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}
