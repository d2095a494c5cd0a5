package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/finchworks/egress/internal/config"
	"github.com/finchworks/egress/internal/logging"
	"github.com/finchworks/egress/internal/server"
)

func main() {
	servicesFile := flag.String("services", "", "Path to the services definition file (overrides EGRESS_SERVICES_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *servicesFile != "" {
		cfg.ServicesFile = *servicesFile
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	services, err := config.LoadServices(cfg.ServicesFile)
	if err != nil {
		logger.Fatal("Failed to load services definition", zap.Error(err))
	}
	logger.Info("Loaded service definitions",
		zap.Int("count", len(services)),
		zap.String("file", cfg.ServicesFile),
	)

	srv, err := server.New(cfg, services, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(cfg.Server.Host + ":" + cfg.Server.Port); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Close(ctx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	case err := <-errChan:
		logger.Fatal("Server error", zap.Error(err))
	}
}
