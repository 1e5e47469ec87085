package config

import (
	"strings"
	"time"

	"github.com/ContainerDroid/android-vendor-cm/pkg/diskimage"
	"github.com/ContainerDroid/android-vendor-cm/pkg/fetch"
	"github.com/ContainerDroid/android-vendor-cm/pkg/lifecycle"
)

// ApplyDefaults fills any unset fields with their defaults. Explicit
// values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.Namespace == "" {
		cfg.Namespace = "cm"
	}

	if cfg.Properties.Backend == "" {
		cfg.Properties.Backend = "android"
	}
	if cfg.Properties.Dir == "" {
		cfg.Properties.Dir = DefaultConfigDir + "/props"
	}
	if cfg.Properties.PollInterval == 0 {
		cfg.Properties.PollInterval = 200 * time.Millisecond
	}

	if cfg.Disk.LoopDevice == "" {
		cfg.Disk.LoopDevice = diskimage.DefaultLoopDevice
	}

	if cfg.Fetch.Attempts == 0 {
		cfg.Fetch.Attempts = fetch.DefaultAttempts
	}
	if cfg.Fetch.RetryInterval == 0 {
		cfg.Fetch.RetryInterval = fetch.DefaultRetryInterval
	}

	if cfg.LockPath == "" {
		cfg.LockPath = lifecycle.DefaultLockPath
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}
