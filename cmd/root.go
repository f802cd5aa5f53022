// Package cmd provides the command-line interface for prefstore with
// configuration loaded from several sources.
//
// Configuration System:
//
//	Sources, highest priority first:
//	1. Command-line flags (--config, --user-dir, --log-level, ...)
//	2. PREFSTORE_CONFIG_FILE environment variable: custom config file path
//	3. Individual environment variables (PREFSTORE_USER_DIR, ...)
//	4. Configuration file (.prefstore.yml)
//
// Environment Variables:
//
//	PREFSTORE_CONFIG_FILE: Path to a custom configuration file
//	PREFSTORE_USER_DIR: Writable preferences root
//	PREFSTORE_SYSTEM_DIR: Read-only preferences root
//	PREFSTORE_FLUSH_DELAY: Debounce before changes reach disk
//	And the rest following the PREFSTORE_<SECTION>_<OPTION> pattern
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/prefstore/internal/config"
	"github.com/conneroisu/prefstore/internal/di"
	"github.com/conneroisu/prefstore/internal/errors"
	"github.com/conneroisu/prefstore/internal/prefs"
)

var (
	cfgFile   string
	useSystem bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "prefstore",
	Short: "Inspect and edit hierarchical file-backed preferences",
	Long: `prefstore manages a tree of preference nodes stored as .properties files.

A writable user root holds local settings; a read-only system root holds
shipped defaults. Changes are flushed to disk after a short debounce and
edits made by other processes are picked up automatically.

Quick Start:
  prefstore put /editor/java indent 4    Store a value
  prefstore get /editor/java indent      Read it back
  prefstore keys /editor/java            List keys of a node
  prefstore export / --format yaml       Dump the user tree
  prefstore watch /editor                Follow changes live
  prefstore serve                        Stream changes over websocket`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .prefstore.yml, can also use PREFSTORE_CONFIG_FILE env var)")
	flags.String("user-dir", "", "writable preferences root")
	flags.String("system-dir", "", "read-only preferences root")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&useSystem, "system", false, "read from the system tree instead of the user tree")

	_ = viper.BindPFlag("user_dir", flags.Lookup("user-dir"))
	_ = viper.BindPFlag("system_dir", flags.Lookup("system-dir"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
}

// initConfig selects the configuration file and enables PREFSTORE_* env
// overrides. A missing or unreadable file leaves the defaults in place.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(config.ConfigFileEnv); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".prefstore")
	}

	config.BindEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// withServices loads the configuration, builds the service container and
// runs fn. Pending preference changes are flushed when fn returns.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, c *di.ServiceContainer) error) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	container := newContainer(cfg)
	if err := container.Initialize(); err != nil {
		return err
	}
	defer func() {
		if shutdownErr := container.Shutdown(context.Background()); shutdownErr != nil && err == nil {
			err = fmt.Errorf("flushing preferences: %w", shutdownErr)
		}
	}()

	return fn(cmd.Context(), container)
}

// newContainer is replaced in tests.
var newContainer = di.NewServiceContainer

// selectedRoot returns the root of the tree chosen by --system.
func selectedRoot(c *di.ServiceContainer) (prefs.Preferences, error) {
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	if useSystem {
		return reg.SystemRoot(), nil
	}
	return reg.UserRoot(), nil
}

// selectedNode resolves path in the tree chosen by --system.
func selectedNode(c *di.ServiceContainer, path string) (prefs.Preferences, error) {
	root, err := selectedRoot(c)
	if err != nil {
		return nil, err
	}
	return root.Node(path)
}

// writableNode is selectedNode for commands that modify the tree. Writes to
// the system tree never reach disk, so they are rejected.
func writableNode(c *di.ServiceContainer, op, path string) (prefs.Preferences, error) {
	if useSystem {
		return nil, errors.ErrReadOnly(op, path)
	}
	return selectedNode(c, path)
}
