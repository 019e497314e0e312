package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeTemp(t, "tapguard.hcl", `
log_level         = "debug"
metrics_listen    = ":9100"
ebtables_path     = "/usr/local/sbin/ebtables"
disable_firewalld = true
syslog            = true
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9100", cfg.MetricsListen)
	assert.Equal(t, "/usr/local/sbin/ebtables", cfg.EbtablesPath)
	assert.Empty(t, cfg.IptablesPath)
	assert.True(t, cfg.DisableFirewalld)
	assert.True(t, cfg.Syslog)
}

func TestLoadFileDefaults(t *testing.T) {
	path := writeTemp(t, "tapguard.hcl", "")
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DisableFirewalld)
}

func TestLoadFileInvalidLevel(t *testing.T) {
	path := writeTemp(t, "tapguard.hcl", `log_level = "verbose"`)
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
}

func TestGenerateHCLRoundTrip(t *testing.T) {
	cfg := &Config{
		LogLevel:         "warn",
		MetricsListen:    "127.0.0.1:9100",
		Ip6tablesPath:    "/sbin/ip6tables",
		DisableFirewalld: true,
	}
	path := filepath.Join(t.TempDir(), "out", "tapguard.hcl")
	require.NoError(t, SaveFile(path, cfg))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.LogLevel, loaded.LogLevel)
	assert.Equal(t, cfg.MetricsListen, loaded.MetricsListen)
	assert.Equal(t, cfg.Ip6tablesPath, loaded.Ip6tablesPath)
	assert.True(t, loaded.DisableFirewalld)
	assert.False(t, loaded.Syslog)
}

func TestGenerateHCLOmitsZeroValues(t *testing.T) {
	out := string(GenerateHCL(&Config{LogLevel: "info"}))
	assert.Contains(t, out, "log_level")
	assert.NotContains(t, out, "metrics_listen")
	assert.NotContains(t, out, "disable_firewalld")
}
