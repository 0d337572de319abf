package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/boxgate/boxgate/gateway"
	"github.com/boxgate/boxgate/internal/gateway/config"
	"github.com/boxgate/boxgate/internal/logging"
)

func runGateway(args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	listen := fs.String("listen", "", "listen address (overrides config)")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	logJSON := fs.Bool("log-json", false, "force JSON log output")
	fs.Parse(args)

	logging.Setup(*logJSON)
	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logging.PrintBanner(version, cfg.Listen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := gateway.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}
