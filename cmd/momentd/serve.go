package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lovendo/momentcore/internal/app/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and background services",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.NewApplication(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := rt.Run(ctx)

	log.Info("shutting down")
	if err := rt.Shutdown(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	return runErr
}
