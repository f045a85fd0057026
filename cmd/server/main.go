package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/zeusync/scenesync/internal/config"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/injector"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "scenesync:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("scenesync", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	httpAddr := flags.String("http-addr", "", "HTTP and websocket listen address")
	quicAddr := flags.String("quic-addr", "", "QUIC listen address, empty to disable")
	logLevel := flags.String("log-level", "", "debug, info, warn, error or silent")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flags.Changed("http-addr") {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if flags.Changed("quic-addr") {
		cfg.Server.QUICAddr = *quicAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	app, err := injector.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	logger := app.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envDone := make(chan error, 1)
	go func() { envDone <- app.Environment.Run(ctx) }()

	if err := app.Server.Start(ctx); err != nil {
		stop()
		<-envDone
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-envDone:
		logger.Error("Environment stopped", log.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.Server.Stop(shutdownCtx); err != nil {
		logger.Warn("Server stop", log.Error(err))
	}
	stop()
	select {
	case <-envDone:
	case <-shutdownCtx.Done():
	}
	return nil
}
