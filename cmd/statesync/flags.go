package main

import (
	"flag"
	"os"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	NATSURL         string
	HTTPAddr        string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("STATESYNC_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: STATESYNC_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("STATESYNC_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: STATESYNC_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("STATESYNC_LOG_FORMAT", "json"),
		"Log format: json or text (env: STATESYNC_LOG_FORMAT)")

	flag.StringVar(&cfg.NATSURL, "nats",
		getEnv("STATESYNC_NATS_URL", ""),
		"NATS server URL, empty to disable the broker bridge (env: STATESYNC_NATS_URL)")

	flag.StringVar(&cfg.HTTPAddr, "http",
		getEnv("STATESYNC_HTTP_ADDR", ":8080"),
		"Address for the metrics and health endpoints (env: STATESYNC_HTTP_ADDR)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		10*time.Second, "Grace period for draining on shutdown")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
