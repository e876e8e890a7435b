package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ============================================================================
// Global flags
// ============================================================================

var flags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
	JSONLogs   bool
}

var logCloser = func() {}

// newLogger builds the process logger. Logs go to stderr unless a file is
// given, so command output on stdout stays machine readable.
func newLogger(level, file string, jsonOutput bool) (zerolog.Logger, func(), error) {
	closer := func() {}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, closer, err
	}

	var writer io.Writer = os.Stderr
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return zerolog.Logger{}, closer, fmt.Errorf("create logs dir: %w", err)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, closer, err
		}
		closer = func() { _ = f.Close() }
		writer = f
		jsonOutput = true
	}
	if !jsonOutput {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
	}

	l := zerolog.New(writer).
		With().
		Timestamp().
		Logger().
		Level(lvl)

	return l, closer, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "pinmark",
	Short: "Pinmark annotation sync CLI",
	Long: "Command-line interface for Pinmark annotations.\n" +
		"Create annotations and comments, follow a file live, inspect the offline queue,\n" +
		"and run the background retry worker.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := flags.LogLevel
		if !cmd.Flags().Changed("log-level") {
			if cfg, err := loadConfig(); err == nil && cfg.Log.Level != "" {
				level = cfg.Log.Level
			}
		}
		logger, closer, err := newLogger(level, flags.LogFile, flags.JSONLogs)
		if err != nil {
			return fmt.Errorf("setup logger: %w", err)
		}
		log.Logger = logger
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logCloser()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "path to config file (default ~/.pinmark/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "write JSON logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&flags.JSONLogs, "json-logs", false, "write JSON logs to stderr")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// ============================================================================
// Config commands
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Pinmark configuration",
	Long:  "View or modify the Pinmark CLI configuration stored in ~/.pinmark/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'pinmark init <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: pinmark config set queue.driver redis",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
