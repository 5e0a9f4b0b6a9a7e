package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultDatabasePath   = "aqcache.db"
	defaultBaseURL        = "https://api.gios.gov.pl"
	defaultPort           = 8080
	defaultRequestTimeout = 30 * time.Second

	defaultStationInterval = 24 * time.Hour
	defaultIndexInterval   = time.Hour
	defaultSensorInterval  = 24 * time.Hour
	defaultMetaInterval    = 24 * time.Hour
)

// Config holds runtime configuration for the replica service.
type Config struct {
	DatabasePath   string
	BaseURL        string
	Port           int
	RequestTimeout time.Duration

	StationInterval time.Duration
	IndexInterval   time.Duration
	SensorInterval  time.Duration
	MetaInterval    time.Duration

	// WarmRefreshInterval > 0 enables the background station-list refresh.
	WarmRefreshInterval time.Duration
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load() // ignore missing file

	cfg := Config{
		DatabasePath:    defaultDatabasePath,
		BaseURL:         defaultBaseURL,
		Port:            defaultPort,
		RequestTimeout:  defaultRequestTimeout,
		StationInterval: defaultStationInterval,
		IndexInterval:   defaultIndexInterval,
		SensorInterval:  defaultSensorInterval,
		MetaInterval:    defaultMetaInterval,
	}

	if v := strings.TrimSpace(os.Getenv("AQCACHE_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("GIOS_BASE_URL")); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}

	if portStr := strings.TrimSpace(os.Getenv("PORT")); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 {
			return cfg, fmt.Errorf("invalid PORT: %s", portStr)
		}
		cfg.Port = port
	}

	durations := []struct {
		key  string
		into *time.Duration
	}{
		{"AQCACHE_REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"AQCACHE_STATION_INTERVAL", &cfg.StationInterval},
		{"AQCACHE_INDEX_INTERVAL", &cfg.IndexInterval},
		{"AQCACHE_SENSOR_INTERVAL", &cfg.SensorInterval},
		{"AQCACHE_META_INTERVAL", &cfg.MetaInterval},
		{"AQCACHE_WARM_REFRESH", &cfg.WarmRefreshInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.into = parsed
	}

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
