// Command qflowd is the Qflow node daemon: it loads configuration, wires
// the full application (bus, validation, sandbox, engine, adaptive
// control), and serves until signaled to shut down.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/qflow-run/qflow/internal/app"
	"github.com/qflow-run/qflow/internal/config"
	"github.com/qflow-run/qflow/pkg/logger"
)

func main() {
	listenAddr := flag.String("addr", "", "ops HTTP listen address (overrides config/env)")
	configPath := flag.String("config", "", "path to a YAML configuration file (overrides CONFIG_FILE)")
	flag.Parse()

	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		if err := os.Setenv("CONFIG_FILE", trimmed); err != nil {
			log.Fatalf("set CONFIG_FILE: %v", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if trimmed := strings.TrimSpace(*listenAddr); trimmed != "" {
		cfg.Ops.ListenAddr = trimmed
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	application, err := app.New(cfg, log.Logger)
	if err != nil {
		log.WithError(err).Fatal("initialize application")
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}
	log.WithField("addr", cfg.Ops.ListenAddr).Info("qflowd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Fatal("shutdown")
	}
	log.Info("qflowd stopped")
}
