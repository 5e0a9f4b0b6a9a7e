// Package store keeps the local replica of the remote air-quality data set
// in an embedded SQLite database. Every write commits as one transaction
// that also stamps the matching staleness record, so freshness bookkeeping
// can never drift from the data it describes. The package never touches the
// network.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/idbs-zorka/aqcache/internal/gios"
)

// ErrNotFound is returned by detail lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// stationListUpdateID is the global_update row tracking the station catalog.
const stationListUpdateID = 0

const schema = `
CREATE TABLE IF NOT EXISTS global_update (
	id INTEGER PRIMARY KEY,
	last_update_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS city (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	district TEXT NOT NULL,
	voivodeship TEXT NOT NULL,
	city TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS station (
	id INTEGER PRIMARY KEY,
	codename TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	city_id INTEGER,
	address TEXT,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	FOREIGN KEY(city_id) REFERENCES city(id)
);

CREATE TABLE IF NOT EXISTS station_update (
	station_id INTEGER UNIQUE,
	last_sensors_update_at INTEGER NOT NULL DEFAULT 0,
	last_indexes_update_at INTEGER NOT NULL DEFAULT 0,
	last_meta_update_at INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(station_id) REFERENCES station(id) ON UPDATE CASCADE
);

CREATE TABLE IF NOT EXISTS station_meta (
	station_id INTEGER NOT NULL UNIQUE,
	international_codename TEXT,
	launch_date TEXT,
	shutdown_date TEXT,
	type TEXT,
	FOREIGN KEY(station_id) REFERENCES station(id) ON UPDATE CASCADE
);

CREATE TABLE IF NOT EXISTS aq_index_category_name (
	value INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sensor_type (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	codename TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS aq_index (
	station_id INTEGER,
	sensor_type_id INTEGER,
	value INTEGER,
	record_date TEXT,
	PRIMARY KEY(station_id, sensor_type_id),
	FOREIGN KEY(station_id) REFERENCES station(id) ON UPDATE CASCADE,
	FOREIGN KEY(sensor_type_id) REFERENCES sensor_type(id),
	FOREIGN KEY(value) REFERENCES aq_index_category_name(value)
);

CREATE TABLE IF NOT EXISTS sensor (
	id INTEGER PRIMARY KEY,
	station_id INTEGER,
	sensor_type_id INTEGER,
	FOREIGN KEY(station_id) REFERENCES station(id) ON UPDATE CASCADE,
	FOREIGN KEY(sensor_type_id) REFERENCES sensor_type(id)
);

CREATE TABLE IF NOT EXISTS sensor_data (
	sensor_id INTEGER NOT NULL,
	date TEXT NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY(sensor_id, date),
	FOREIGN KEY(sensor_id) REFERENCES sensor(id)
);
`

// Store is one handle onto the replica database. A handle is not meant to be
// shared across worker goroutines; use Duplicate to give each worker its own.
type Store struct {
	path string
	db   *sql.DB
}

// Open opens or creates the replica database at path and bootstraps the
// schema and static catalogs. Bootstrapping is idempotent, so reopening an
// existing file is a no-op.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One underlying connection per handle: within a handle, reads always
	// observe prior writes; across handles, only committed data.
	db.SetMaxOpenConns(1)

	s := &Store{path: path, db: db}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO global_update (id) VALUES (?)`,
		stationListUpdateID,
	); err != nil {
		return fmt.Errorf("store: seed global_update: %w", err)
	}
	for value, name := range indexCategories {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO aq_index_category_name (value, name) VALUES (?, ?)`,
			value, name,
		); err != nil {
			return fmt.Errorf("store: seed index categories: %w", err)
		}
	}
	for _, codename := range sensorTypeCatalog {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO sensor_type (codename) VALUES (?)`,
			codename,
		); err != nil {
			return fmt.Errorf("store: seed sensor types: %w", err)
		}
	}
	return tx.Commit()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Duplicate opens an independent handle onto the same backing file, for use
// by a parallel worker. Both handles observe the same committed data.
func (s *Store) Duplicate() (*Store, error) {
	return Open(s.path)
}

// fmtTime stores timestamps as RFC3339 UTC so lexicographic comparison in
// SQL matches chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// UpdateStations upserts the station catalog and the cities it references,
// and stamps the station-list staleness record in the same transaction.
func (s *Store) UpdateStations(ctx context.Context, stations []gios.Station) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cityStmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO city (district, voivodeship, city) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer cityStmt.Close()

	stationStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO station
			(id, codename, name, city_id, address, latitude, longitude)
		SELECT ?, ?, ?, city.id, ?, ?, ?
		FROM city WHERE city.city = ?`)
	if err != nil {
		return err
	}
	defer stationStmt.Close()

	for _, st := range stations {
		if _, err := cityStmt.ExecContext(ctx, st.District, st.Voivodeship, st.City); err != nil {
			return fmt.Errorf("store: upsert city %q: %w", st.City, err)
		}
		if _, err := stationStmt.ExecContext(ctx,
			st.ID, st.Codename, st.Name, st.Address, st.Latitude, st.Longitude, st.City,
		); err != nil {
			return fmt.Errorf("store: upsert station %d: %w", st.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE global_update SET last_update_at = ? WHERE id = ?`,
		time.Now().Unix(), stationListUpdateID,
	); err != nil {
		return fmt.Errorf("store: stamp station list update: %w", err)
	}
	return tx.Commit()
}

// LastStationsUpdate returns when the station catalog was last refreshed.
// A never-refreshed catalog reads as the unix epoch.
func (s *Store) LastStationsUpdate(ctx context.Context) (time.Time, error) {
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_update_at FROM global_update WHERE id = ?`,
		stationListUpdateID,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Unix(0, 0), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(at, 0), nil
}

// StationListView returns all stations with their city names.
func (s *Store) StationListView(ctx context.Context) ([]StationListView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.latitude, s.longitude, c.city
		FROM station AS s
		JOIN city AS c ON c.id = s.city_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]StationListView, 0)
	for rows.Next() {
		var v StationListView
		if err := rows.Scan(&v.ID, &v.Name, &v.Latitude, &v.Longitude, &v.City); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// StationDetailsView returns the detail row of one station, or ErrNotFound.
func (s *Store) StationDetailsView(ctx context.Context, stationID int) (*StationDetailsView, error) {
	var v StationDetailsView
	var address sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT s.codename, s.name, c.district, c.voivodeship, c.city, s.address
		FROM station AS s
		JOIN city AS c ON s.city_id = c.id
		WHERE s.id = ?`, stationID,
	).Scan(&v.Codename, &v.Name, &v.District, &v.Voivodeship, &v.City, &address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.ID = stationID
	v.Address = address.String
	return &v, nil
}

// UpdateStationMeta upserts registry metadata rows, resolving stations by
// codename, and stamps each touched station's meta staleness record.
func (s *Store) UpdateStationMeta(ctx context.Context, meta []gios.StationMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	metaStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO station_meta
			(station_id, international_codename, launch_date, shutdown_date, type)
		SELECT station.id, ?, ?, ?, ?
		FROM station WHERE station.codename = ?`)
	if err != nil {
		return err
	}
	defer metaStmt.Close()

	stampStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO station_update (station_id, last_meta_update_at)
		SELECT id, ? FROM station WHERE codename = ?
		ON CONFLICT(station_id) DO UPDATE
			SET last_meta_update_at = excluded.last_meta_update_at`)
	if err != nil {
		return err
	}
	defer stampStmt.Close()

	now := time.Now().Unix()
	for _, m := range meta {
		var shutdown any
		if m.CloseDate != nil {
			shutdown = fmtTime(*m.CloseDate)
		}
		if _, err := metaStmt.ExecContext(ctx,
			m.InternationalCodename, fmtTime(m.LaunchDate), shutdown, m.Type, m.Codename,
		); err != nil {
			return fmt.Errorf("store: upsert station meta %q: %w", m.Codename, err)
		}
		if _, err := stampStmt.ExecContext(ctx, now, m.Codename); err != nil {
			return fmt.Errorf("store: stamp meta update %q: %w", m.Codename, err)
		}
	}
	return tx.Commit()
}

// StationMetaView returns the stored registry metadata of one station, or
// ErrNotFound when none has been synced yet.
func (s *Store) StationMetaView(ctx context.Context, stationID int) (*StationMetaView, error) {
	var v StationMetaView
	var international, launch, shutdown, typ sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT international_codename, launch_date, shutdown_date, type
		FROM station_meta WHERE station_id = ?`, stationID,
	).Scan(&international, &launch, &shutdown, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.StationID = stationID
	if international.Valid {
		v.InternationalCodename = &international.String
	}
	if launch.Valid {
		t, err := time.Parse(time.RFC3339, launch.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse stored date %q: %w", launch.String, err)
		}
		v.LaunchDate = &t
	}
	if shutdown.Valid {
		t, err := time.Parse(time.RFC3339, shutdown.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse stored date %q: %w", shutdown.String, err)
		}
		v.CloseDate = &t
	}
	v.Type = typ.String
	return &v, nil
}

// LastStationMetaUpdate reports when the station's metadata was last
// refreshed; a station never refreshed reads as the unix epoch.
func (s *Store) LastStationMetaUpdate(ctx context.Context, stationID int) (time.Time, error) {
	return s.stationStamp(ctx, "last_meta_update_at", stationID)
}

// LastStationSensorsUpdate reports when the station's sensor catalog was
// last refreshed.
func (s *Store) LastStationSensorsUpdate(ctx context.Context, stationID int) (time.Time, error) {
	return s.stationStamp(ctx, "last_sensors_update_at", stationID)
}

// LastStationIndexesUpdate reports when the station's air-quality indexes
// were last refreshed.
func (s *Store) LastStationIndexesUpdate(ctx context.Context, stationID int) (time.Time, error) {
	return s.stationStamp(ctx, "last_indexes_update_at", stationID)
}

func (s *Store) stationStamp(ctx context.Context, column string, stationID int) (time.Time, error) {
	// column is one of the fixed station_update column names above.
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM station_update WHERE station_id = ?`, stationID,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Unix(0, 0), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(at, 0), nil
}

// UpdateSensorTypes adds sensor type codenames not seen before.
func (s *Store) UpdateSensorTypes(ctx context.Context, codenames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertSensorTypes(ctx, tx, codenames); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSensorTypes(ctx context.Context, tx *sql.Tx, codenames []string) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO sensor_type (codename) VALUES (?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, codename := range codenames {
		if _, err := stmt.ExecContext(ctx, codename); err != nil {
			return fmt.Errorf("store: insert sensor type %q: %w", codename, err)
		}
	}
	return nil
}

// UpdateStationSensors upserts the station's sensor catalog (registering any
// new sensor types on the way) and stamps its sensors staleness record.
func (s *Store) UpdateStationSensors(ctx context.Context, stationID int, sensors []gios.Sensor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	codenames := make([]string, 0, len(sensors))
	for _, sn := range sensors {
		codenames = append(codenames, sn.Codename)
	}
	if err := insertSensorTypes(ctx, tx, codenames); err != nil {
		return err
	}

	sensorStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO sensor (id, station_id, sensor_type_id)
		VALUES (?, ?, (SELECT id FROM sensor_type WHERE codename = ?))`)
	if err != nil {
		return err
	}
	defer sensorStmt.Close()

	for _, sn := range sensors {
		if _, err := sensorStmt.ExecContext(ctx, sn.ID, stationID, sn.Codename); err != nil {
			return fmt.Errorf("store: insert sensor %d: %w", sn.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO station_update (station_id, last_sensors_update_at)
		VALUES (?, ?)
		ON CONFLICT(station_id) DO UPDATE
			SET last_sensors_update_at = excluded.last_sensors_update_at`,
		stationID, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("store: stamp sensors update %d: %w", stationID, err)
	}
	return tx.Commit()
}

// StationSensors returns the station's sensors with their type codenames.
func (s *Store) StationSensors(ctx context.Context, stationID int) ([]SensorView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, st.codename
		FROM sensor AS s
		JOIN sensor_type AS st ON s.sensor_type_id = st.id
		WHERE s.station_id = ?`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SensorView, 0)
	for rows.Next() {
		var v SensorView
		if err := rows.Scan(&v.ID, &v.Codename); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateStationAirQualityIndexes overwrites the station's current indexes,
// one row per sensor type, and stamps its indexes staleness record.
func (s *Store) UpdateStationAirQualityIndexes(ctx context.Context, stationID int, indexes gios.AirQualityIndexes) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO aq_index (station_id, sensor_type_id, value, record_date)
		VALUES (?, (SELECT id FROM sensor_type WHERE codename = ?), ?, ?)
		ON CONFLICT(station_id, sensor_type_id) DO UPDATE
			SET value = excluded.value,
			    record_date = excluded.record_date`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	upsert := func(codename string, idx gios.Index) error {
		var value any
		if idx.Value != nil {
			value = *idx.Value
		}
		var recordDate any
		if idx.Date != nil {
			recordDate = fmtTime(*idx.Date)
		}
		if _, err := stmt.ExecContext(ctx, stationID, codename, value, recordDate); err != nil {
			return fmt.Errorf("store: upsert aq index %q: %w", codename, err)
		}
		return nil
	}

	if err := upsert(OverallTypeCodename, indexes.Overall); err != nil {
		return err
	}
	for codename, idx := range indexes.Sensors {
		if err := upsert(codename, idx); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO station_update (station_id, last_indexes_update_at)
		VALUES (?, ?)
		ON CONFLICT(station_id) DO UPDATE
			SET last_indexes_update_at = excluded.last_indexes_update_at`,
		stationID, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("store: stamp indexes update %d: %w", stationID, err)
	}
	return tx.Commit()
}

// StationAirQualityIndexValue returns the stored categorical index value for
// one (station, sensor type) pair. Nil means no value is stored.
func (s *Store) StationAirQualityIndexValue(ctx context.Context, stationID int, typeCodename string) (*int, error) {
	var value sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT aq.value
		FROM aq_index AS aq
		JOIN sensor_type AS st ON aq.sensor_type_id = st.id
		WHERE aq.station_id = ? AND st.codename = ?`,
		stationID, typeCodename,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !value.Valid {
		return nil, nil
	}
	v := int(value.Int64)
	return &v, nil
}

// IndexCategoryName translates a categorical index value to its display name.
func (s *Store) IndexCategoryName(ctx context.Context, value int) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM aq_index_category_name WHERE value = ?`, value,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

// UpdateSensorData upserts measurement points for one sensor. Re-ingesting a
// timestamp overwrites its value, never duplicates.
func (s *Store) UpdateSensorData(ctx context.Context, sensorID int, data []gios.SensorData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensor_data (sensor_id, date, value)
		VALUES (?, ?, ?)
		ON CONFLICT(sensor_id, date) DO UPDATE
			SET value = excluded.value`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range data {
		if _, err := stmt.ExecContext(ctx, sensorID, fmtTime(entry.Date), entry.Value); err != nil {
			return fmt.Errorf("store: upsert sensor data %d@%s: %w", sensorID, entry.Date, err)
		}
	}
	return tx.Commit()
}

// LatestSensorRecordDate returns the newest stored measurement timestamp of
// a sensor, or nil when none exist.
func (s *Store) LatestSensorRecordDate(ctx context.Context, sensorID int) (*time.Time, error) {
	return s.sensorRecordDate(ctx, "MAX", sensorID)
}

// OldestSensorRecordDate returns the oldest stored measurement timestamp of
// a sensor, or nil when none exist.
func (s *Store) OldestSensorRecordDate(ctx context.Context, sensorID int) (*time.Time, error) {
	return s.sensorRecordDate(ctx, "MIN", sensorID)
}

func (s *Store) sensorRecordDate(ctx context.Context, agg string, sensorID int) (*time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT `+agg+`(date) FROM sensor_data WHERE sensor_id = ?`, sensorID,
	).Scan(&raw)
	if err != nil {
		return nil, err
	}
	if !raw.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return nil, fmt.Errorf("store: parse stored date %q: %w", raw.String, err)
	}
	return &t, nil
}

// SensorData returns the sensor's measurements within [dateFrom, dateTo]
// inclusive, ascending by time.
func (s *Store) SensorData(ctx context.Context, sensorID int, dateFrom, dateTo time.Time) ([]SensorValueView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, value FROM sensor_data
		WHERE sensor_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		sensorID, fmtTime(dateFrom), fmtTime(dateTo))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SensorValueView, 0)
	for rows.Next() {
		var raw string
		var v SensorValueView
		if err := rows.Scan(&raw, &v.Value); err != nil {
			return nil, err
		}
		v.Date, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("store: parse stored date %q: %w", raw, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
