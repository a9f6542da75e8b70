package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/api"
	"courier/internal/config"
	"courier/internal/daemon"
	"courier/internal/db"
	"courier/internal/events"
	"courier/internal/notify"
	"courier/internal/registry"
	"courier/internal/store"
	"courier/internal/supervisor"
	"courier/internal/transport"
	"courier/internal/version"
)

const buildVersion = "0.3.0"

func main() {
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("courierd v%s\n", buildVersion)
		os.Exit(0)
	}

	cfg := config.Load()
	log := newLogger(cfg)
	log.Info().Str("version", buildVersion).Msg("courierd starting")

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	defer conn.Close()
	if err := db.Migrate(conn); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	reg := registry.New(conn, log)
	st := store.New(conn, log)
	bus := events.NewBus(log)
	client := transport.NewClient(log)

	core := daemon.New(log, reg, st, bus, client, daemon.Config{
		Supervisor: supervisor.Config{
			BackoffMin:  cfg.BackoffMin,
			BackoffMax:  cfg.BackoffMax,
			StopTimeout: cfg.StopTimeout,
		},
	})
	if err := core.Start(); err != nil {
		log.Fatal().Err(err).Msg("start daemon core")
	}

	var forwarder *notify.Forwarder
	if len(cfg.ForwardURLs) > 0 {
		var quiet *notify.QuietHours
		if cfg.QuietStart != "" && cfg.QuietEnd != "" {
			quiet = &notify.QuietHours{Start: cfg.QuietStart, End: cfg.QuietEnd}
		}
		forwarder = notify.NewForwarder(log, bus, cfg.ForwardURLs, quiet, notify.ShoutrrrSender{})
		forwarder.Start()
	}

	srv := api.NewServer(log, core, bus, cfg.ListenAddr, cfg.APIUser, cfg.APIPasswordHash)
	srv.SetVersionChecker(version.NewChecker(buildVersion, "courier-daemon", "courier"))
	srv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	// Stop the outer surface first so no new commands arrive, then the
	// forwarder, then the core with its supervisors.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control api shutdown")
	}
	if forwarder != nil {
		forwarder.Stop()
	}
	core.Stop()
	log.Info().Msg("courierd stopped")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.LogPretty {
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
