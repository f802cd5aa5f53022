// Package config provides configuration management for prefstore using
// Viper for loading from files, environment variables and command-line
// flags.
//
// Values come from YAML files (.prefstore.yml), environment variable
// overrides with the PREFSTORE_ prefix, and flags bound by the CLI. The
// configuration covers the user and system preference roots, the flush
// delay, the worker pool size, logging and the change feed server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "PREFSTORE"

// ConfigFileEnv names the variable holding a config file path.
const ConfigFileEnv = EnvPrefix + "_CONFIG_FILE"

type Config struct {
	UserDir    string        `mapstructure:"user_dir" yaml:"user_dir"`
	SystemDir  string        `mapstructure:"system_dir" yaml:"system_dir"`
	FlushDelay time.Duration `mapstructure:"flush_delay" yaml:"flush_delay"`
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	Log        LogConfig     `mapstructure:"log" yaml:"log"`
	Feed       FeedConfig    `mapstructure:"feed" yaml:"feed"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type FeedConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// SetDefaults registers default values on the global viper instance.
// Registering every key also lets AutomaticEnv see PREFSTORE_* overrides
// during Unmarshal.
func SetDefaults() {
	viper.SetDefault("user_dir", defaultUserDir())
	viper.SetDefault("system_dir", defaultSystemDir())
	viper.SetDefault("flush_delay", 200*time.Millisecond)
	viper.SetDefault("workers", 2)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("feed.addr", "localhost:7331")
	viper.SetDefault("feed.allowed_origins", []string{})
}

// BindEnv enables PREFSTORE_* overrides, e.g. PREFSTORE_LOG_LEVEL.
func BindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper and validates it.
func Load() (*Config, error) {
	SetDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Viper does not split comma separated env values into slices.
	if viper.IsSet("feed.allowed_origins") && len(config.Feed.AllowedOrigins) == 0 {
		config.Feed.AllowedOrigins = viper.GetStringSlice("feed.allowed_origins")
	}
	if len(config.Feed.AllowedOrigins) == 1 && strings.Contains(config.Feed.AllowedOrigins[0], ",") {
		config.Feed.AllowedOrigins = strings.Split(config.Feed.AllowedOrigins[0], ",")
	}

	config.UserDir = expandHome(config.UserDir)
	config.SystemDir = expandHome(config.SystemDir)

	result := ValidateConfigWithDetails(&config)
	if result.HasErrors() {
		return nil, fmt.Errorf("invalid configuration: %w", &result.Errors[0])
	}

	return &config, nil
}

func defaultUserDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "prefstore", "user")
	}
	return filepath.Join(".prefstore", "user")
}

func defaultSystemDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "prefstore", "system")
	}
	return filepath.Join(".prefstore", "system")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
