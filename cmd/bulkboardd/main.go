package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ecoreservices/bulkboard/internal/config"
	"github.com/ecoreservices/bulkboard/internal/logging"
	"github.com/ecoreservices/bulkboard/internal/metrics"
	"github.com/ecoreservices/bulkboard/internal/server"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: $BULKBOARD_CONFIG)")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("bulkboardd starting", "version", version, "tools", len(cfg.Tools))

	if cfg.Metrics.Enabled {
		metrics.Init("bulkboard")
		go func() {
			log.Info("serving metrics", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Error("cannot start server", "error", err)
		os.Exit(1)
	}

	runErr := srv.Run(ctx)
	if err := srv.Close(); err != nil {
		log.Warn("shutdown left resources open", "error", err)
	}
	if runErr != nil {
		log.Error("server failed", "error", runErr)
		os.Exit(1)
	}
	log.Info("bulkboardd stopped cleanly")
}
