package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	// one-shot administrative modes
	RunAsset       string
	Force          bool
	ResubmitFailed bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("SBR_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: SBR_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("SBR_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: SBR_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level override: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format override: json, text")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SBR_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: SBR_SHUTDOWN_TIMEOUT)")

	flag.StringVar(&cfg.RunAsset, "run-asset", "",
		"Queue the given asset id for a processing pass and exit")
	flag.BoolVar(&cfg.Force, "force", false,
		"With -run-asset, reprocess even when results are current")
	flag.BoolVar(&cfg.ResubmitFailed, "resubmit-failed", false,
		"Resubmit every parked item to its origin queue and exit")

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
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.RunAsset != "" && cfg.ResubmitFailed {
		return fmt.Errorf("-run-asset and -resubmit-failed are mutually exclusive")
	}
	if cfg.Force && cfg.RunAsset == "" {
		return fmt.Errorf("-force requires -run-asset")
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - chained post-processing daemon

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run the daemon with a config file
  %s --config=/etc/strawberryd/config.yaml

  # Queue one asset for reprocessing, bypassing checksum checks
  %s --run-asset=123 --force

  # Send parked items back to their origin queues
  %s --resubmit-failed

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
