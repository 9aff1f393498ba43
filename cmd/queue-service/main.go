package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/logger"
	"go.uber.org/multierr"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load .env when present; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	appLogger := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to start OPD queue service")
	}

	appLogger.WithField("version", version).Info("Starting OPD queue service")
	err = multierr.Combine(app.run(ctx), app.close())
	stop()

	if err != nil {
		appLogger.WithError(err).Error("OPD queue service stopped with errors")
		os.Exit(1)
	}
	appLogger.Info("OPD queue service stopped")
}
