package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"hospitaletl/internal/config"
	"hospitaletl/internal/core/domain"
	"hospitaletl/internal/logger"
)

const usage = `Usage: hospital-etl [-config <path>] [-data-dir <path>] <command>

Commands:
  once       run the pipeline a single time and print the summary
  schedule   run at startup, then on the configured cron schedule
  status     show the state of every tracked dataset
`

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()

	configPath := flag.String("config", "", "Path to YAML configuration file")
	dataDir := flag.String("data-dir", "", "Base directory for raw, processed and metadata files")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	command := flag.Arg(0)
	switch command {
	case "once", "schedule", "status":
	default:
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Storage.BaseDir = *dataDir
	}

	log := logger.NewLogger(cfg.Logging.Level)
	if envErr != nil {
		log.Debug("no .env file loaded")
	}
	log.Info("configuration loaded", "config", cfg.String())

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received interrupt signal, cancelling")
		cancel()
	}()

	os.Exit(run(ctx, command, cfg, log))
}

func run(ctx context.Context, command string, cfg *config.Config, log *logger.Logger) int {
	a, err := newApp(ctx, cfg, log, os.Stdout)
	if err != nil {
		log.Error("setup failed", "error", err)
		return 1
	}
	defer a.Close()

	switch command {
	case "once":
		if _, err := a.runOnce(ctx); err != nil {
			if errors.Is(err, domain.ErrCatalogUnavailable) {
				log.Error("run aborted, catalog unavailable", "error", err)
			} else {
				log.Error("run failed", "error", err)
			}
			return 1
		}
	case "schedule":
		if err := a.schedule(ctx); err != nil {
			log.Error("scheduler failed", "error", err)
			return 1
		}
	case "status":
		if err := a.status(ctx); err != nil {
			log.Error("status failed", "error", err)
			return 1
		}
	}
	return 0
}
