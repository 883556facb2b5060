// Package main is the entry point for the Kestrel autonomous paper-trading
// engine. It loads configuration, wires the engine, starts the HTTP operator
// API and runs until a shutdown signal arrives.
//
// Exit codes:
//   - 0: clean shutdown on SIGINT/SIGTERM
//   - 1: configuration error
//   - 2: database schema mismatch (wipe the store or migrate manually)
//   - 3: unrecoverable runtime error
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/kestrel/internal/config"
	"github.com/aristath/kestrel/internal/database"
	"github.com/aristath/kestrel/internal/orchestrator"
	"github.com/aristath/kestrel/internal/server"
	"github.com/aristath/kestrel/pkg/logger"
)

const (
	exitConfig        = 1
	exitSchema        = 2
	exitUnrecoverable = 3
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(exitConfig)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Int("symbols", len(cfg.TradeableSymbols)).
		Str("db", cfg.DBPath).
		Msg("Starting Kestrel")

	engine, err := orchestrator.New(cfg, log)
	if err != nil {
		if errors.Is(err, database.ErrSchemaMismatch) {
			log.Error().Err(err).Msg("Store schema does not match this build")
			os.Exit(exitSchema)
		}
		log.Error().Err(err).Msg("Failed to build engine")
		os.Exit(exitUnrecoverable)
	}

	if err := engine.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start engine")
		os.Exit(exitUnrecoverable)
	}

	srv := server.New(server.Config{
		Log:     log,
		Engine:  engine,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Operator API started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		exitCode = exitUnrecoverable
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown reported error")
		if exitCode == 0 {
			exitCode = exitUnrecoverable
		}
	}

	log.Info().Msg("Kestrel stopped")
	os.Exit(exitCode)
}
