package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/livesync/internal/config"
	"github.com/nkkko/livesync/internal/hubserver"
	"github.com/nkkko/livesync/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		addr       = flag.String("addr", "", "Listen address")
		dataDir    = flag.String("data-dir", "", "Badger data directory (selects the Badger store)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, config.Overrides{
		SimAddr:  *addr,
		DataDir:  *dataDir,
		LogLevel: *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Simulator.StoreType = "badger"
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	simConfig := cfg.ToSimulatorConfig()

	var store hubserver.Store
	if simConfig.DataDir != "" {
		store, err = hubserver.NewBadgerStore(simConfig.DataDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open notification store")
		}
	} else {
		store = hubserver.NewMemoryStore()
	}
	defer store.Close()

	srv, err := hubserver.New(simConfig, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create hub simulator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Hub simulator exited with error")
		return
	}
	log.Info().Msg("Hub simulator stopped")
}
