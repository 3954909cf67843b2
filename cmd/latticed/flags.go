package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration. Empty LogLevel or LogFormat
// defers to the config file's logging section.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Standalone      bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("LATTICE_CONFIG", "configs/lattice.yaml"),
		"Path to configuration file (env: LATTICE_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("LATTICE_CONFIG", "configs/lattice.yaml"),
		"Path to configuration file (env: LATTICE_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("LATTICE_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; empty defers to config (env: LATTICE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("LATTICE_LOG_FORMAT", ""),
		"Log format: json, text; empty defers to config (env: LATTICE_LOG_FORMAT)")

	flag.BoolVar(&cfg.Standalone, "standalone",
		getEnvBool("LATTICE_STANDALONE", false),
		"Run without NATS: in-memory graph store, in-process event bus (env: LATTICE_STANDALONE)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("LATTICE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: LATTICE_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	// Validate config file exists
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	validLevels := []string{"", "debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"", "json", "text"}
	if !slices.Contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Graph query engine and real-time synchronization server

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/etc/lattice/lattice.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run without a NATS server (development)
  %s --standalone

  # Run with environment variables
  export LATTICE_CONFIG=/etc/lattice/lattice.yaml
  export LATTICE_LOG_LEVEL=debug
  %s

  # Validate configuration only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
