package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"wrapped-oracle/config"
	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/logger"
	"wrapped-oracle/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[oracled] config: %v", err)
	}

	_, closer := logger.InitWithFile("oracled", logger.ParseLevel(cfg.LogLevel), cfg.LogFile)
	defer closer.Close()

	log.Printf("[oracled] owner=%s keeper=%s window=%d max_swing=%s schedule=%q",
		cfg.Owner.Hex(), cfg.Keeper.Hex(), cfg.WindowSize, fixed.Format(cfg.MaxSwing), cfg.UpdateSchedule)
	if cfg.StagingMode {
		log.Println("[oracled] *** STAGING MODE: simulated vault unless EVM_RPC_URL is set ***")
	}

	svc, err := service.New(cfg, service.Options{})
	if err != nil {
		log.Fatalf("[oracled] init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[oracled] fatal: %v", err)
	}
}
