package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/roomlift/roomlift/internal/app/runtime"
	"github.com/roomlift/roomlift/pkg/logger"
)

func main() {
	log := logger.NewDefault("server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := runtime.NewApplication(ctx)
	if err != nil {
		log.WithError(err).Error("failed to initialise application")
		os.Exit(1)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := application.Run(ctx); err != nil {
		log.WithError(err).Error("server error")
	}

	if err := application.Shutdown(context.Background()); err != nil {
		log.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
	log.Info("server stopped")
}
