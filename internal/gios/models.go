package gios

import "time"

// Station is one measuring station from the station catalog.
type Station struct {
	ID          int
	Codename    string
	Name        string
	District    string
	Voivodeship string
	City        string
	Address     string
	Latitude    float64
	Longitude   float64
}

// StationMeta extends a station (matched by codename) with registry metadata.
type StationMeta struct {
	Codename              string
	InternationalCodename *string
	LaunchDate            time.Time
	CloseDate             *time.Time
	Type                  string
}

// Index is one categorical air-quality index observation. Both fields are
// absent when the service has not computed the index.
type Index struct {
	Date  *time.Time
	Value *int
}

// AirQualityIndexes bundles the overall index and the per-pollutant indexes
// reported for one station.
type AirQualityIndexes struct {
	Overall       Index
	Sensors       map[string]Index
	IndexStatus   *bool
	IndexCritical *string
}

// Sensor is one measuring position installed at a station.
type Sensor struct {
	ID       int
	Codename string
	Name     string
}

// SensorData is a single measurement point of one sensor.
type SensorData struct {
	Date  time.Time
	Value float64
}
