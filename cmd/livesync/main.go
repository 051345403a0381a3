package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/livesync/internal/config"
	"github.com/nkkko/livesync/internal/engine"
	"github.com/nkkko/livesync/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		hubURL     = flag.String("hub", "", "Hub base URL")
		apiURL     = flag.String("api", "", "Backend REST base URL")
		statusAddr = flag.String("addr", "", "Status API listen address")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, config.Overrides{
		HubURL:     *hubURL,
		APIURL:     *apiURL,
		StatusAddr: *statusAddr,
		LogLevel:   *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := engine.New(cfg)
	runErr := e.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("Livesync exited with error")
	}
}
