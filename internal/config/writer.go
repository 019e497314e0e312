package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// GenerateHCL renders the daemon configuration as HCL. Zero values
// are omitted so a generated file stays close to what an operator
// would write by hand.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	setStr := func(name, val string) {
		if val != "" {
			body.SetAttributeValue(name, cty.StringVal(val))
		}
	}
	setStr("log_level", cfg.LogLevel)
	setStr("metrics_listen", cfg.MetricsListen)
	setStr("ebtables_path", cfg.EbtablesPath)
	setStr("iptables_path", cfg.IptablesPath)
	setStr("ip6tables_path", cfg.Ip6tablesPath)
	if cfg.DisableFirewalld {
		body.SetAttributeValue("disable_firewalld", cty.BoolVal(true))
	}
	if cfg.Syslog {
		body.SetAttributeValue("syslog", cty.BoolVal(true))
	}
	return f.Bytes()
}

// SaveFile writes the configuration to path, creating the directory
// if needed.
func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, GenerateHCL(cfg), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
