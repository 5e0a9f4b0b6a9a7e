// Package scheduler runs the optional background warm refresh of the
// station catalog, so interactive reads usually hit a fresh replica.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/idbs-zorka/aqcache/internal/repository"
)

const jobTimeout = 5 * time.Minute

// Scheduler periodically refreshes the station catalog.
type Scheduler struct {
	scheduler *gocron.Scheduler
	repo      *repository.Repository
	interval  time.Duration
	log       zerolog.Logger
}

// New creates a Scheduler refreshing every interval. An interval <= 0
// disables scheduling entirely.
func New(repo *repository.Repository, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		repo:      repo,
		interval:  interval,
		log:       logger,
	}
}

// Start schedules the periodic job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.log.Info().Msg("warm refresh disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).Do(func() {
		repo, err := s.repo.Clone()
		if err != nil {
			s.log.Error().Err(err).Msg("warm refresh: clone failed")
			return
		}
		defer repo.Close()

		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		if err := repo.UpdateStations(ctx); err != nil {
			s.log.Warn().Err(err).Msg("warm refresh: station update failed")
			return
		}
		s.log.Debug().Msg("warm refresh: station catalog updated")
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
