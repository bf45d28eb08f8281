package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"invoicerecon/internal/app"
	"invoicerecon/internal/config"
	"invoicerecon/internal/listener"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	must(err)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, true)
	must(err)
	defer a.Close()

	intake, err := a.NewIntake(ctx, cfg.MailListenerProvider)
	must(err)
	var in listener.Intake
	if intake != nil {
		in = intake
	}

	logger.Info("Mail listener started.", "provider", cfg.MailListenerProvider, "intervalSec", cfg.MailListenerIntervalSec)
	must(listener.NewService(a.DB, cfg, in, a.Orchestrator, logger).Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
