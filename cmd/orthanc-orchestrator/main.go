package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orthanc-orchestrator/common/logger"
	"orthanc-orchestrator/internal/config"
	"orthanc-orchestrator/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "orthanc-orchestrator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	orch, err := service.NewOrchestrator(cfg, log)
	if err != nil {
		log.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- orch.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		if err := <-errCh; err != nil {
			log.Error("Orchestrator stopped with error", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			log.Error("Orchestrator stopped with error", zap.Error(err))
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := orch.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop orchestrator cleanly", zap.Error(err))
	}
	log.Info("orthanc-orchestrator stopped")
}
