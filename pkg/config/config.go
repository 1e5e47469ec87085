// Package config loads the tool's static configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CM_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Lifecycle state itself (enabled, mount flags, rootdir, image path and
// size) lives in the property store, not here; this configuration
// selects the property backend and tunes the managers around it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/ContainerDroid/android-vendor-cm/internal/bytesize"
)

// Config is the full tool configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Namespace is the property namespace; the lifecycle properties
	// are derived from it (persist.<ns>.*, sys.<ns>.*).
	Namespace string `mapstructure:"namespace" validate:"required" yaml:"namespace"`

	// Properties selects and tunes the property store backend.
	Properties PropertiesConfig `mapstructure:"properties" yaml:"properties"`

	// Disk tunes the disk image manager.
	Disk DiskConfig `mapstructure:"disk" yaml:"disk"`

	// Fetch tunes the package downloader.
	Fetch FetchConfig `mapstructure:"fetch" yaml:"fetch"`

	// Manifest overrides the package manifest compiled into the
	// binary.
	Manifest ManifestConfig `mapstructure:"manifest" yaml:"manifest"`

	// LockPath is the invocation lock file.
	LockPath string `mapstructure:"lock_path" validate:"required" yaml:"lock_path"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is where logs are written: stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// PropertiesConfig selects the property store backend.
type PropertiesConfig struct {
	// Backend is "android" (getprop/setprop) or "file" (one file per
	// property under Dir, for hosts without a property service).
	Backend string `mapstructure:"backend" validate:"required,oneof=android file" yaml:"backend"`

	// Dir holds the property files for the file backend.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// PollInterval is the android backend's wait-for-change polling
	// interval.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"omitempty,gt=0" yaml:"poll_interval"`
}

// DiskConfig tunes the disk image manager.
type DiskConfig struct {
	// LoopDevice is the fixed loop device slot the image binds to.
	LoopDevice string `mapstructure:"loop_device" validate:"required" yaml:"loop_device"`

	// DefaultSize seeds the image size property during bootstrap when
	// the operator has not set one. Zero means no seeding.
	DefaultSize bytesize.ByteSize `mapstructure:"default_size" yaml:"default_size,omitempty"`
}

// FetchConfig tunes the package downloader.
type FetchConfig struct {
	// Attempts is the number of download attempts per package.
	Attempts int `mapstructure:"attempts" validate:"omitempty,gte=1" yaml:"attempts"`

	// RetryInterval is the fixed delay between attempts.
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"omitempty,gt=0" yaml:"retry_interval"`
}

// ManifestConfig overrides the built-in package manifest.
type ManifestConfig struct {
	// Path points at an external manifest YAML; empty uses the
	// embedded one.
	Path string `mapstructure:"path" yaml:"path"`

	// Repository overrides the manifest's repository base URL.
	Repository string `mapstructure:"repository" validate:"omitempty,url" yaml:"repository"`
}

// Load loads configuration from file, environment and defaults.
// An empty configPath uses the default location; a missing config file
// is not an error, the defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if found {
		if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures environment variable support and the config
// file search path.
func setupViper(v *viper.Viper, configPath string) {
	// Example: CM_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(DefaultConfigDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// DefaultConfigDir is where the config file is looked up when no
// explicit path is given.
const DefaultConfigDir = "/data/vendor/cm"

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, "config.yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

// decodeHooks converts the custom config value types: human-readable
// byte sizes and durations.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML numbers often arrive as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}
