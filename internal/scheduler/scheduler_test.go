package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idbs-zorka/aqcache/internal/gios"
	"github.com/idbs-zorka/aqcache/internal/repository"
	"github.com/idbs-zorka/aqcache/internal/store"
)

type countingAPI struct {
	calls atomic.Int64
}

func (a *countingAPI) FetchStations(context.Context) ([]gios.Station, error) {
	a.calls.Add(1)
	return []gios.Station{{
		ID: 400, Codename: "MpKrakBuja", Name: "Kraków, ul. Bujaka",
		District: "Kraków", Voivodeship: "MAŁOPOLSKIE", City: "Kraków",
	}}, nil
}

func (a *countingAPI) FetchStationMeta(context.Context, string, string) ([]gios.StationMeta, error) {
	return nil, nil
}

func (a *countingAPI) FetchAirQualityIndexes(context.Context, int) (gios.AirQualityIndexes, error) {
	return gios.AirQualityIndexes{}, nil
}

func (a *countingAPI) FetchStationSensors(context.Context, int) ([]gios.Sensor, error) {
	return nil, nil
}

func (a *countingAPI) FetchSensorData(context.Context, int) ([]gios.SensorData, error) {
	return nil, nil
}

func (a *countingAPI) FetchSensorArchivalData(context.Context, int, *time.Time, *time.Time, int) ([]gios.SensorData, error) {
	return nil, nil
}

func (a *countingAPI) Reachable() bool { return true }

func newTestRepo(t *testing.T, api *countingAPI) *repository.Repository {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	repo := repository.New(api, db, repository.DefaultIntervals(), zerolog.Nop())
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestDisabledIntervalSchedulesNothing(t *testing.T) {
	api := &countingAPI{}
	s := New(newTestRepo(t, api), 0, zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, api.calls.Load())
}

func TestWarmRefreshRunsJob(t *testing.T) {
	api := &countingAPI{}
	s := New(newTestRepo(t, api), 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for api.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Positive(t, api.calls.Load(), "warm refresh job never ran")
}
