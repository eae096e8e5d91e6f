package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wudi/portico/internal/config"
	"github.com/wudi/portico/internal/filters"
	"github.com/wudi/portico/internal/gateway"
	"github.com/wudi/portico/internal/logging"
	"github.com/wudi/portico/internal/registry"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/portico.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	watch := flag.Bool("watch", false, "Reload configuration when the file changes")
	flag.Parse()

	if *showVersion {
		fmt.Printf("portico %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		// Instantiate every filter too; module configs are only checked then.
		if _, err := registry.Build(cfg, filters.Catalog(filters.Deps{})); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting portico",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("filters", len(cfg.Filters)),
	)

	server, err := gateway.NewServer(cfg, *configPath, gateway.WithLogger(logger))
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}
	if *watch {
		if err := server.Watch(); err != nil {
			logging.Error("Failed to watch configuration", zap.Error(err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
