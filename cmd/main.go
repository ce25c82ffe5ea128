package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flvtap/internal/flvtap"
)

const defaultConfigPath = "configs/default.yaml"

func main() {
	configPath := flag.String("config", "", "path to yaml config file (optional)")
	port := flag.Int("port", 0, "http binding port to stream flv (overrides config)")
	logLevel := flag.String("loglevel", "", "logging level (debug|info|warn|error, overrides config)")
	statsPeriod := flag.Int("stats-period", 0, "timing summary period in seconds (overrides config)")
	flag.Parse()

	config := flvtap.DefaultConfig()
	path := *configPath
	if path == "" {
		// The conventional location is optional; flags and built-in
		// defaults cover the rest.
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	if path != "" {
		loaded, err := flvtap.LoadConfig(path)
		if err != nil {
			slog.Error("Failed to load config", "path", path, "err", err)
			os.Exit(1)
		}
		config = loaded
	}
	if *port != 0 {
		config.HTTP.Port = *port
	}
	if *logLevel != "" {
		config.Logging.Level = *logLevel
	}
	if *statsPeriod != 0 {
		config.Stream.StatsPeriodSeconds = *statsPeriod
	}
	if err := config.Validate(); err != nil {
		slog.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}

	flvtap.InitLogger(config)

	server := flvtap.NewServer(config)
	if err := server.Start(); err != nil {
		slog.Error("Failed to start server", "err", err)
		os.Exit(1)
	}

	slog.Info("flvtap started", "port", config.HTTP.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	slog.Info("Received signal, shutting down server", "signal", sig)

	server.Stop()
	slog.Info("Server shutdown complete")
}
