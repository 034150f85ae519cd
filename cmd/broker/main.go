package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/beamdrop/broker/internals/config"
	"github.com/beamdrop/broker/internals/gateway"
	"github.com/beamdrop/broker/internals/utils"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger := utils.GetLogger()
	logger.Info("Starting transfer session broker")

	broker, err := gateway.NewBroker(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create broker", zap.Error(err))
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := broker.Start(); err != nil {
			logger.Fatal("Failed to start broker", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	broker.Stop()
	logger.Info("Broker stopped")
}
