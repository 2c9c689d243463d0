package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_NoPathUsesDefaults(t *testing.T) {
	req := require.New(t)
	cfg, err := Load("")
	req.NoError(err)
	req.Equal("INFO", cfg.LogLevel)
	req.Equal(60, cfg.PairingCodeTTLSecs)
	req.Equal(3, cfg.Health.DisconnectThreshold)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	req := require.New(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	req.NoError(err)
	req.Equal(10, cfg.Dispatch.IntervalSecs)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	req := require.New(t)
	path := writeConfig(t, `{"log_level": "DEBUG",`)

	_, err := Load(path)
	req.Error(err)
	req.Contains(err.Error(), path)
}

func TestLoad_FileValuesAndEnvOverrides(t *testing.T) {
	req := require.New(t)
	path := writeConfig(t, `{"log_level": "DEBUG", "dispatch": {"interval_secs": 30}}`)
	t.Setenv("WAFLOW_DISPATCH_INTERVAL", "7")

	cfg, err := Load(path)
	req.NoError(err)
	req.Equal("DEBUG", cfg.LogLevel)
	// Env wins over file.
	req.Equal(7, cfg.Dispatch.IntervalSecs)
	// Untouched keys keep defaults.
	req.Equal(4, cfg.Dispatch.Concurrency)
}
