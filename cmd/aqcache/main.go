package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/idbs-zorka/aqcache/internal/config"
	"github.com/idbs-zorka/aqcache/internal/gios"
	"github.com/idbs-zorka/aqcache/internal/httpapi"
	"github.com/idbs-zorka/aqcache/internal/repository"
	"github.com/idbs-zorka/aqcache/internal/scheduler"
	"github.com/idbs-zorka/aqcache/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("aqcache failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	log.Info().Str("db_path", cfg.DatabasePath).Msg("opened replica database")

	client := gios.NewClient(cfg.BaseURL, &http.Client{Timeout: cfg.RequestTimeout}, log.Logger)
	client.OnStatusChange(func(reachable bool) {
		log.Info().Bool("reachable", reachable).Msg("remote api connectivity changed")
	})

	repo := repository.New(client, db, repository.Intervals{
		StationList: cfg.StationInterval,
		AQIndexes:   cfg.IndexInterval,
		Sensors:     cfg.SensorInterval,
		Meta:        cfg.MetaInterval,
	}, log.Logger)
	defer repo.Close()

	warm := scheduler.New(repo, cfg.WarmRefreshInterval, log.Logger)
	if err := warm.Start(); err != nil {
		return err
	}
	defer warm.Stop()

	srv := httpapi.New(cfg, repo)
	log.Info().Str("addr", cfg.ListenAddr()).Msg("rest api listening")
	return srv.Run(ctx)
}
