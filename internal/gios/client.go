package gios

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBaseURL points at the public GIOŚ REST API.
const DefaultBaseURL = "https://api.gios.gov.pl"

const (
	// defaultPageSize is used by catalog endpoints.
	defaultPageSize = 100
	// streamPageSize is the server maximum, used by the measurement
	// endpoints to minimize round-trips.
	streamPageSize = 500
)

const (
	stationsEndpoint = "pjp-api/v1/rest/station/findAll"
	stationsTarget   = "Lista stacji pomiarowych"

	stationMetaEndpoint = "pjp-api/v1/rest/metadata/stations"
	stationMetaTarget   = "Lista metadanych stacji pomiarowych"

	aqIndexTarget = "AqIndex"

	stationSensorsTarget = "Lista stanowisk pomiarowych dla podanej stacji"

	sensorDataTarget = "Lista danych pomiarowych"

	archivalDataTarget = "Lista archiwalnych wyników pomiarów"
)

// pollutants are the index pollutant codenames reported per station.
var pollutants = []string{"NO2", "O3", "PM10", "PM2.5", "SO2"}

// archivalParamFormat is the timestamp layout the archival endpoint expects
// for its dateFrom/dateTo query parameters.
const archivalParamFormat = "2006-01-02 15:04"

// Client talks to the GIOŚ REST API. It handles pagination, maps payloads
// onto typed records and classifies failures. It also tracks whether the
// service is currently reachable; the flag flips to false on transport
// failure and back to true on any completed request, notifying subscribers
// on every change. The client is safe for use from multiple goroutines.
type Client struct {
	base string
	http *http.Client
	log  zerolog.Logger

	mu          sync.Mutex
	reachable   bool
	subscribers []func(bool)
}

// NewClient builds a client against baseURL. A nil httpClient falls back to
// http.DefaultClient; pass one with a Timeout when the embedding application
// wants bounded requests.
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:      baseURL,
		http:      httpClient,
		log:       logger,
		reachable: true,
	}
}

// Reachable reports whether the last request reached the service.
func (c *Client) Reachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachable
}

// OnStatusChange registers a callback invoked whenever reachability flips.
func (c *Client) OnStatusChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Client) setReachable(v bool) {
	c.mu.Lock()
	if c.reachable == v {
		c.mu.Unlock()
		return
	}
	c.reachable = v
	subs := make([]func(bool), len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// envelope is the outer object of one paginated response.
type envelope map[string]json.RawMessage

func (e envelope) totalPages() int {
	raw, ok := e["totalPages"]
	if !ok {
		return 1
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n < 1 {
		return 1
	}
	return n
}

type errorBody struct {
	Code     string `json:"error_code"`
	Reason   string `json:"error_reason"`
	Result   string `json:"error_result"`
	Solution string `json:"error_solution"`
}

// get performs one GET against base/endpoint?page=N&size=N&{params}.
func (c *Client) get(ctx context.Context, endpoint string, page, size int, params url.Values) (envelope, error) {
	u := fmt.Sprintf("%s/%s?page=%d&size=%d", c.base, endpoint, page, size)
	if len(params) > 0 {
		u += "&" + params.Encode()
	}
	c.log.Debug().Str("url", u).Msg("api request")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.setReachable(false)
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer resp.Body.Close()
	c.setReachable(true)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body errorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("gios: unexpected status %s", resp.Status)
		}
		return nil, &APIError{
			Code:     body.Code,
			Reason:   body.Reason,
			Result:   body.Result,
			Solution: body.Solution,
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
	}
	return env, nil
}

// forEachPage requests page 0 to learn totalPages, then walks every page in
// order, handing the fragment under target to fn.
func (c *Client) forEachPage(ctx context.Context, endpoint, target string, size int, params url.Values, fn func(json.RawMessage) error) error {
	env, err := c.get(ctx, endpoint, 0, size, params)
	if err != nil {
		return err
	}
	total := env.totalPages()
	if err := fn(env[target]); err != nil {
		return err
	}
	for page := 1; page < total; page++ {
		env, err = c.get(ctx, endpoint, page, size, params)
		if err != nil {
			return err
		}
		if err := fn(env[target]); err != nil {
			return err
		}
	}
	return nil
}

// collectObject merges a map-shaped fragment across pages. Later pages win on
// key collision, though keys are not expected to collide.
func (c *Client) collectObject(ctx context.Context, endpoint, target string, size int, params url.Values) (map[string]json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	err := c.forEachPage(ctx, endpoint, target, size, params, func(fragment json.RawMessage) error {
		var page map[string]json.RawMessage
		if err := json.Unmarshal(fragment, &page); err != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}
		for k, v := range page {
			merged[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

type stationEntry struct {
	ID          int     `json:"Identyfikator stacji"`
	Codename    string  `json:"Kod stacji"`
	Name        string  `json:"Nazwa stacji"`
	District    string  `json:"Powiat"`
	Voivodeship string  `json:"Województwo"`
	City        string  `json:"Nazwa miasta"`
	Address     string  `json:"Ulica"`
	Latitude    float64 `json:"WGS84 φ N"`
	Longitude   float64 `json:"WGS84 λ E"`
}

// FetchStations retrieves the full station catalog, merging all pages.
func (c *Client) FetchStations(ctx context.Context) ([]Station, error) {
	var out []Station
	err := c.forEachPage(ctx, stationsEndpoint, stationsTarget, defaultPageSize, nil, func(fragment json.RawMessage) error {
		var entries []stationEntry
		if err := json.Unmarshal(fragment, &entries); err != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}
		for _, e := range entries {
			out = append(out, Station{
				ID:          e.ID,
				Codename:    e.Codename,
				Name:        e.Name,
				District:    e.District,
				Voivodeship: e.Voivodeship,
				City:        e.City,
				Address:     e.Address,
				Latitude:    e.Latitude,
				Longitude:   e.Longitude,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type stationMetaEntry struct {
	Codename      string  `json:"Kod stacji"`
	International *string `json:"Kod międzynarodowy"`
	LaunchDate    string  `json:"Data uruchomienia"`
	CloseDate     *string `json:"Data zamknięcia"`
	Type          string  `json:"Rodzaj stacji"`
}

// FetchStationMeta retrieves station registry metadata. Empty filter values
// are omitted from the query string.
func (c *Client) FetchStationMeta(ctx context.Context, city, stationCodename string) ([]StationMeta, error) {
	params := url.Values{}
	if city != "" {
		params.Set("filter[miasto]", city)
	}
	if stationCodename != "" {
		params.Set("filter[kod-stacji]", stationCodename)
	}

	var out []StationMeta
	err := c.forEachPage(ctx, stationMetaEndpoint, stationMetaTarget, defaultPageSize, params, func(fragment json.RawMessage) error {
		var entries []stationMetaEntry
		if err := json.Unmarshal(fragment, &entries); err != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}
		for _, e := range entries {
			launch, err := parseAPITime(e.LaunchDate)
			if err != nil {
				return err
			}
			meta := StationMeta{
				Codename:              e.Codename,
				InternationalCodename: e.International,
				LaunchDate:            launch,
				Type:                  e.Type,
			}
			if e.CloseDate != nil && *e.CloseDate != "" {
				closed, err := parseAPITime(*e.CloseDate)
				if err != nil {
					return err
				}
				meta.CloseDate = &closed
			}
			out = append(out, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchAirQualityIndexes retrieves the current air-quality indexes computed
// for one station. Absent payload fields map to nil index fields.
func (c *Client) FetchAirQualityIndexes(ctx context.Context, stationID int) (AirQualityIndexes, error) {
	endpoint := fmt.Sprintf("pjp-api/v1/rest/aqindex/getIndex/%d", stationID)
	raw, err := c.collectObject(ctx, endpoint, aqIndexTarget, defaultPageSize, nil)
	if err != nil {
		return AirQualityIndexes{}, err
	}

	overall, err := indexAt(raw, "Data wykonania obliczeń indeksu", "Wartość indeksu")
	if err != nil {
		return AirQualityIndexes{}, err
	}

	sensors := make(map[string]Index, len(pollutants))
	for _, p := range pollutants {
		idx, err := indexAt(raw,
			fmt.Sprintf("Data wykonania obliczeń indeksu dla wskaźnika %s", p),
			fmt.Sprintf("Wartość indeksu dla wskaźnika %s", p),
		)
		if err != nil {
			return AirQualityIndexes{}, err
		}
		sensors[p] = idx
	}

	out := AirQualityIndexes{Overall: overall, Sensors: sensors}
	if v, ok := raw["Status indeksu ogólnego dla stacji pomiarowej"]; ok && !isNull(v) {
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return AirQualityIndexes{}, fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}
		out.IndexStatus = &b
	}
	if v, ok := raw["Kod zanieczyszczenia krytycznego"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return AirQualityIndexes{}, fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}
		out.IndexCritical = &s
	}
	return out, nil
}

type sensorEntry struct {
	ID       int    `json:"Identyfikator stanowiska"`
	Codename string `json:"Wskaźnik - kod"`
	Name     string `json:"Wskaźnik"`
}

// FetchStationSensors retrieves the sensors installed at one station.
func (c *Client) FetchStationSensors(ctx context.Context, stationID int) ([]Sensor, error) {
	endpoint := fmt.Sprintf("pjp-api/v1/rest/station/sensors/%d", stationID)

	var out []Sensor
	err := c.forEachPage(ctx, endpoint, stationSensorsTarget, defaultPageSize, nil, func(fragment json.RawMessage) error {
		var entries []sensorEntry
		if err := json.Unmarshal(fragment, &entries); err != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}
		for _, e := range entries {
			out = append(out, Sensor{ID: e.ID, Codename: e.Codename, Name: e.Name})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type dataEntry struct {
	Date  string   `json:"Data"`
	Value *float64 `json:"Wartość"`
}

func (c *Client) collectDataPoints(ctx context.Context, endpoint, target string, params url.Values) ([]SensorData, error) {
	var out []SensorData
	err := c.forEachPage(ctx, endpoint, target, streamPageSize, params, func(fragment json.RawMessage) error {
		var entries []dataEntry
		if err := json.Unmarshal(fragment, &entries); err != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}
		for _, e := range entries {
			if e.Value == nil {
				continue
			}
			date, err := parseAPITime(e.Date)
			if err != nil {
				return err
			}
			out = append(out, SensorData{Date: date, Value: *e.Value})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchSensorData retrieves the current (last ~3 days) measurements of one
// sensor, walking every page. Entries without a value are dropped.
func (c *Client) FetchSensorData(ctx context.Context, sensorID int) ([]SensorData, error) {
	endpoint := fmt.Sprintf("pjp-api/v1/rest/data/getData/%d", sensorID)
	return c.collectDataPoints(ctx, endpoint, sensorDataTarget, nil)
}

// FetchSensorArchivalData retrieves historical measurements of one sensor.
// Nil range bounds and a zero days count are omitted from the query. The
// endpoint is rate limited server-side; when the service reports the
// rate-limit error code the call fails with ErrTooManyRequests.
func (c *Client) FetchSensorArchivalData(ctx context.Context, sensorID int, dateFrom, dateTo *time.Time, days int) ([]SensorData, error) {
	params := url.Values{}
	if dateFrom != nil {
		params.Set("dateFrom", dateFrom.Format(archivalParamFormat))
	}
	if dateTo != nil {
		params.Set("dateTo", dateTo.Format(archivalParamFormat))
	}
	if days > 0 {
		params.Set("dayNumber", fmt.Sprintf("%d", days))
	}

	endpoint := fmt.Sprintf("pjp-api/v1/rest/archivalData/getDataBySensor/%d", sensorID)
	out, err := c.collectDataPoints(ctx, endpoint, archivalDataTarget, params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == rateLimitCode {
			return nil, fmt.Errorf("%w: archival endpoint allows 2 requests per minute", ErrTooManyRequests)
		}
		return nil, err
	}
	return out, nil
}

func indexAt(raw map[string]json.RawMessage, dateKey, valueKey string) (Index, error) {
	var idx Index
	if v, ok := raw[dateKey]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return idx, fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}
		t, err := parseAPITime(s)
		if err != nil {
			return idx, err
		}
		idx.Date = &t
	}
	if v, ok := raw[valueKey]; ok && !isNull(v) {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return idx, fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}
		idx.Value = &n
	}
	return idx, nil
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}

// apiTimeLayouts are the timestamp layouts observed in GIOŚ payloads.
var apiTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseAPITime(s string) (time.Time, error) {
	for _, layout := range apiTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", ErrUnexpectedPayload, s)
}
