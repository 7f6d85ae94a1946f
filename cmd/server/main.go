/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the supply-chain ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (YAML, .env, LEDGER_* environment)
  3. Open the relational store, lock, content store and chain log
  4. Start the notarization scheduler
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -env     .env file (default: .env, ignored when absent)
  -port    HTTP server port, overrides the config file

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close the chain log, lock and database
  5. Exit

EXAMPLES:
  # Everything in memory
  ./server

  # Production backends
  ./server -config=/etc/ledger/ledger.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
  - internal/wire/wire.go: Collaborator construction
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/api"
	"github.com/warp/harvest-ledger/config"
	"github.com/warp/harvest-ledger/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	envFile := flag.String("env", ".env", "env file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	cfg.ApplyLogging()

	ctx := context.Background()
	rt, err := wire.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize ledger: %v", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Error("Shutdown left resources open")
		}
	}()

	handler := api.NewHandler(rt.Service)
	handler.Scheduler.Enabled = cfg.Notarization.Enabled
	handler.Scheduler.CheckInterval = cfg.Notarization.Interval
	handler.Scheduler.BatchSize = cfg.Notarization.BatchSize
	handler.Scheduler.Start()
	defer handler.Scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Server starting on http://localhost:%d", cfg.Server.Port)
		log.Infof("API available at http://localhost:%d/api", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server stopped")
}
