package store

import "time"

// StationListView is one row of the station picker list.
type StationListView struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	City      string  `json:"city"`
}

// StationDetailsView describes a single station.
type StationDetailsView struct {
	ID          int    `json:"id"`
	Codename    string `json:"codename"`
	Name        string `json:"name"`
	District    string `json:"district"`
	Voivodeship string `json:"voivodeship"`
	City        string `json:"city"`
	Address     string `json:"address,omitempty"`
}

// StationMetaView is the registry metadata stored for one station.
type StationMetaView struct {
	StationID             int        `json:"station_id"`
	InternationalCodename *string    `json:"international_codename,omitempty"`
	LaunchDate            *time.Time `json:"launch_date,omitempty"`
	CloseDate             *time.Time `json:"close_date,omitempty"`
	Type                  string     `json:"type,omitempty"`
}

// SensorView is one sensor of a station with its pollutant codename.
type SensorView struct {
	ID       int    `json:"id"`
	Codename string `json:"codename"`
}

// SensorValueView is a single stored measurement.
type SensorValueView struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}
