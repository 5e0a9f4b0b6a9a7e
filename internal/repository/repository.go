// Package repository coordinates the remote API client and the local store.
// Every read decides, per entity, whether the replica is fresh enough to
// serve or must be refreshed first; on connectivity loss it falls back to
// whatever is already persisted instead of failing the caller.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/idbs-zorka/aqcache/internal/gios"
	"github.com/idbs-zorka/aqcache/internal/store"
)

// RemoteAPI is the slice of the GIOŚ client the repository depends on.
type RemoteAPI interface {
	FetchStations(ctx context.Context) ([]gios.Station, error)
	FetchStationMeta(ctx context.Context, city, stationCodename string) ([]gios.StationMeta, error)
	FetchAirQualityIndexes(ctx context.Context, stationID int) (gios.AirQualityIndexes, error)
	FetchStationSensors(ctx context.Context, stationID int) ([]gios.Sensor, error)
	FetchSensorData(ctx context.Context, sensorID int) ([]gios.SensorData, error)
	FetchSensorArchivalData(ctx context.Context, sensorID int, dateFrom, dateTo *time.Time, days int) ([]gios.SensorData, error)
	Reachable() bool
}

// Intervals configures how old each entity's replica may grow before a read
// triggers a refresh. A zero interval refreshes on every read.
type Intervals struct {
	StationList time.Duration
	AQIndexes   time.Duration
	Sensors     time.Duration
	Meta        time.Duration
}

// DefaultIntervals mirrors the refresh cadence of the upstream data set:
// the station catalog and sensor installations change rarely, the indexes
// are recomputed hourly.
func DefaultIntervals() Intervals {
	return Intervals{
		StationList: 24 * time.Hour,
		AQIndexes:   time.Hour,
		Sensors:     24 * time.Hour,
		Meta:        24 * time.Hour,
	}
}

// archivalSplit separates "archival endpoint" territory from "current data
// endpoint" territory: the current endpoint serves roughly the last three
// days, with an hour of slack.
const archivalSplit = 3*24*time.Hour + time.Hour

// Repository is the synchronization orchestrator. It owns no persisted state
// of its own; its store handle must not be shared across workers — each
// concurrent worker takes its own instance via Clone.
type Repository struct {
	api       RemoteAPI
	db        *store.Store
	intervals Intervals
	log       zerolog.Logger
	now       func() time.Time
}

// New builds a repository over an API client and a store handle. The
// repository takes ownership of the handle; release it with Close.
func New(api RemoteAPI, db *store.Store, intervals Intervals, logger zerolog.Logger) *Repository {
	return &Repository{
		api:       api,
		db:        db,
		intervals: intervals,
		log:       logger,
		now:       time.Now,
	}
}

// API exposes the shared remote client, e.g. for connectivity subscriptions.
func (r *Repository) API() RemoteAPI {
	return r.api
}

// Clone returns an independent repository for a parallel worker: its own
// store connection onto the same file, sharing the remote client.
func (r *Repository) Clone() (*Repository, error) {
	db, err := r.db.Duplicate()
	if err != nil {
		return nil, err
	}
	clone := *r
	clone.db = db
	return &clone, nil
}

// Close releases the repository's store handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// refreshIfStale runs refresh when the entity's replica is at least interval
// old. Connectivity failures are logged and swallowed so the caller can be
// served from the replica; any other failure propagates.
func (r *Repository) refreshIfStale(ctx context.Context, lastUpdate time.Time, interval time.Duration, entity string, refresh func(context.Context) error) error {
	if r.now().Sub(lastUpdate) < interval {
		return nil
	}
	if err := refresh(ctx); err != nil {
		if errors.Is(err, gios.ErrConnectivity) {
			r.log.Warn().Err(err).Str("entity", entity).Msg("refresh failed, serving cached data")
			return nil
		}
		return err
	}
	return nil
}

// UpdateStations refreshes the station catalog unconditionally.
func (r *Repository) UpdateStations(ctx context.Context) error {
	stations, err := r.api.FetchStations(ctx)
	if err != nil {
		return err
	}
	return r.db.UpdateStations(ctx, stations)
}

// StationListView serves the station list, refreshing it first when stale.
func (r *Repository) StationListView(ctx context.Context) ([]store.StationListView, error) {
	last, err := r.db.LastStationsUpdate(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.refreshIfStale(ctx, last, r.intervals.StationList, "stations", r.UpdateStations); err != nil {
		return nil, err
	}
	return r.db.StationListView(ctx)
}

// StationDetailsView serves one station's details; freshness follows the
// station-list staleness record.
func (r *Repository) StationDetailsView(ctx context.Context, stationID int) (*store.StationDetailsView, error) {
	last, err := r.db.LastStationsUpdate(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.refreshIfStale(ctx, last, r.intervals.StationList, "stations", r.UpdateStations); err != nil {
		return nil, err
	}
	return r.db.StationDetailsView(ctx, stationID)
}

// UpdateStationMeta refreshes one station's registry metadata, filtering the
// remote catalog by the station's codename.
func (r *Repository) UpdateStationMeta(ctx context.Context, stationID int) error {
	details, err := r.db.StationDetailsView(ctx, stationID)
	if err != nil {
		return err
	}
	meta, err := r.api.FetchStationMeta(ctx, "", details.Codename)
	if err != nil {
		return err
	}
	return r.db.UpdateStationMeta(ctx, meta)
}

// StationMetaView serves one station's registry metadata, refreshing it
// first when stale.
func (r *Repository) StationMetaView(ctx context.Context, stationID int) (*store.StationMetaView, error) {
	last, err := r.db.LastStationMetaUpdate(ctx, stationID)
	if err != nil {
		return nil, err
	}
	refresh := func(ctx context.Context) error { return r.UpdateStationMeta(ctx, stationID) }
	if err := r.refreshIfStale(ctx, last, r.intervals.Meta, "station_meta", refresh); err != nil {
		return nil, err
	}
	return r.db.StationMetaView(ctx, stationID)
}

// UpdateStationAirQualityIndexes refreshes one station's current indexes.
func (r *Repository) UpdateStationAirQualityIndexes(ctx context.Context, stationID int) error {
	indexes, err := r.api.FetchAirQualityIndexes(ctx, stationID)
	if err != nil {
		return err
	}
	return r.db.UpdateStationAirQualityIndexes(ctx, stationID, indexes)
}

// StationAirQualityIndexValue serves the stored categorical index value for
// one (station, sensor type) pair, refreshing the station's indexes first
// when stale. Nil means no value is known.
func (r *Repository) StationAirQualityIndexValue(ctx context.Context, stationID int, typeCodename string) (*int, error) {
	last, err := r.db.LastStationIndexesUpdate(ctx, stationID)
	if err != nil {
		return nil, err
	}
	refresh := func(ctx context.Context) error { return r.UpdateStationAirQualityIndexes(ctx, stationID) }
	if err := r.refreshIfStale(ctx, last, r.intervals.AQIndexes, "aq_indexes", refresh); err != nil {
		return nil, err
	}
	return r.db.StationAirQualityIndexValue(ctx, stationID, typeCodename)
}

// IndexCategoryName translates a categorical index value to its display
// name from the seeded catalog. Purely local, never refreshes.
func (r *Repository) IndexCategoryName(ctx context.Context, value int) (string, error) {
	return r.db.IndexCategoryName(ctx, value)
}

// UpdateStationSensors refreshes one station's sensor catalog.
func (r *Repository) UpdateStationSensors(ctx context.Context, stationID int) error {
	sensors, err := r.api.FetchStationSensors(ctx, stationID)
	if err != nil {
		return err
	}
	return r.db.UpdateStationSensors(ctx, stationID, sensors)
}

// StationSensors serves one station's sensors, refreshing the catalog first
// when stale.
func (r *Repository) StationSensors(ctx context.Context, stationID int) ([]store.SensorView, error) {
	last, err := r.db.LastStationSensorsUpdate(ctx, stationID)
	if err != nil {
		return nil, err
	}
	refresh := func(ctx context.Context) error { return r.UpdateStationSensors(ctx, stationID) }
	if err := r.refreshIfStale(ctx, last, r.intervals.Sensors, "sensors", refresh); err != nil {
		return nil, err
	}
	return r.db.StationSensors(ctx, stationID)
}

// UpdateSensorData syncs the [dateFrom, dateTo] window of one sensor's
// measurements. Windows reaching further back than the current-data
// endpoint's coverage go through the archival endpoint; windows touching the
// recent edge go through the current-data endpoint.
func (r *Repository) UpdateSensorData(ctx context.Context, sensorID int, dateFrom, dateTo time.Time) error {
	now := r.now()

	if now.Sub(dateFrom) >= archivalSplit {
		data, err := r.api.FetchSensorArchivalData(ctx, sensorID, &dateFrom, &dateTo, 0)
		if err != nil {
			return err
		}
		if err := r.db.UpdateSensorData(ctx, sensorID, data); err != nil {
			return err
		}
	}

	if now.Sub(dateTo) <= archivalSplit {
		data, err := r.api.FetchSensorData(ctx, sensorID)
		if err != nil {
			return err
		}
		if err := r.db.UpdateSensorData(ctx, sensorID, data); err != nil {
			return err
		}
	}
	return nil
}

// SensorData serves the sensor's measurements within [dateFrom, dateTo],
// extending the stored range's edges first where the request reaches beyond
// them. A nil dateTo means "now". Connectivity failures while extending are
// logged and swallowed; the stored rows for the requested range are always
// the final answer.
func (r *Repository) SensorData(ctx context.Context, sensorID int, dateFrom time.Time, dateTo *time.Time) ([]store.SensorValueView, error) {
	to := r.now()
	if dateTo != nil {
		to = *dateTo
	}

	latest, err := r.db.LatestSensorRecordDate(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	oldest, err := r.db.OldestSensorRecordDate(ctx, sensorID)
	if err != nil {
		return nil, err
	}

	err = func() error {
		if latest == nil || oldest == nil {
			return r.UpdateSensorData(ctx, sensorID, dateFrom, to)
		}
		// Recent edge, compared at hour granularity to avoid refresh
		// storms from sub-minute drift between "now" and the last point.
		if !to.Truncate(time.Hour).Equal(latest.Truncate(time.Hour)) {
			if err := r.UpdateSensorData(ctx, sensorID, maxTime(dateFrom, *latest), to); err != nil {
				return err
			}
		}
		// Historical edge, only when at least one hour older than the
		// stored coverage.
		if !dateFrom.After(oldest.Add(-time.Hour)) {
			return r.UpdateSensorData(ctx, sensorID, dateFrom, minTime(to, *oldest))
		}
		return nil
	}()
	if err != nil {
		if !errors.Is(err, gios.ErrConnectivity) {
			return nil, err
		}
		r.log.Warn().Err(err).Int("sensor_id", sensorID).Msg("sensor data refresh failed, serving cached range")
	}

	return r.db.SensorData(ctx, sensorID, dateFrom, to)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
