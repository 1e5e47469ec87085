package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ContainerDroid/android-vendor-cm/internal/bytesize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, "cm", cfg.Namespace)
	assert.Equal(t, "android", cfg.Properties.Backend)
	assert.Equal(t, "/dev/block/loop7", cfg.Disk.LoopDevice)
	assert.Equal(t, 6, cfg.Fetch.Attempts)
	assert.Equal(t, 15*time.Second, cfg.Fetch.RetryInterval)
	assert.NotEmpty(t, cfg.LockPath)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: json
namespace: vendorenv
properties:
  backend: file
  dir: /data/props
disk:
  loop_device: /dev/block/loop3
  default_size: 2Gi
fetch:
  attempts: 3
  retry_interval: 5s
manifest:
  repository: https://mirror.example.com/pool
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level is normalized to uppercase")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "vendorenv", cfg.Namespace)
	assert.Equal(t, "file", cfg.Properties.Backend)
	assert.Equal(t, "/data/props", cfg.Properties.Dir)
	assert.Equal(t, "/dev/block/loop3", cfg.Disk.LoopDevice)
	assert.Equal(t, bytesize.ByteSize(2<<30), cfg.Disk.DefaultSize)
	assert.Equal(t, 3, cfg.Fetch.Attempts)
	assert.Equal(t, 5*time.Second, cfg.Fetch.RetryInterval)
	assert.Equal(t, "https://mirror.example.com/pool", cfg.Manifest.Repository)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [broken"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "TRACE" }},
		{"bad backend", func(c *Config) { c.Properties.Backend = "etcd" }},
		{"bad repository url", func(c *Config) { c.Manifest.Repository = "not a url" }},
		{"negative attempts", func(c *Config) { c.Fetch.Attempts = -1 }},
		{"empty namespace", func(c *Config) { c.Namespace = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			ApplyDefaults(&cfg)
			tt.mutate(&cfg)
			assert.Error(t, Validate(&cfg))
		})
	}
}

func TestValidate_FileBackendRequiresDir(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	cfg.Properties.Backend = "file"
	cfg.Properties.Dir = ""

	assert.Error(t, Validate(&cfg))
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CM_LOGGING_LEVEL", "ERROR")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: INFO\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}
