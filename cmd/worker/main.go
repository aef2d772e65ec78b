// cmd/worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "coinsettle/internal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.NewApplication()
	if err := application.Initialize(ctx); err != nil {
		application.Logger.Error("Failed to initialize application", "error", err)
		os.Exit(1)
	}

	application.Logger.Info("Starting background worker",
		"poll_interval", application.Config.Worker.PollInterval,
		"sweep_interval", application.Config.Worker.SweepInterval,
	)
	runErr := application.Scheduler.Run(ctx)
	if runErr != nil {
		application.Logger.Error("Worker stopped with error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		application.Logger.Error("Application shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
	application.Logger.Info("Worker gracefully stopped.")
}
