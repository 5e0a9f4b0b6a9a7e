package gios

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client(), zerolog.Nop())
}

func stationEntryJSON(id int) map[string]any {
	return map[string]any{
		"Identyfikator stacji": id,
		"Kod stacji":           fmt.Sprintf("ST%03d", id),
		"Nazwa stacji":         fmt.Sprintf("Stacja %d", id),
		"Powiat":               "krakowski",
		"Województwo":          "MAŁOPOLSKIE",
		"Nazwa miasta":         "Kraków",
		"Ulica":                "ul. Bujaka",
		"WGS84 φ N":            50.01,
		"WGS84 λ E":            19.94,
	}
}

func TestFetchStationsMergesAllPages(t *testing.T) {
	pageSizes := []int{100, 100, 37}
	requested := make([]int, 0)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		if err != nil || page >= len(pageSizes) {
			http.Error(w, "bad page", http.StatusBadRequest)
			return
		}
		requested = append(requested, page)

		entries := make([]map[string]any, 0, pageSizes[page])
		for i := 0; i < pageSizes[page]; i++ {
			entries = append(entries, stationEntryJSON(page*100+i))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"totalPages":             len(pageSizes),
			"Lista stacji pomiarowych": entries,
		})
	})

	stations, err := client.FetchStations(context.Background())
	require.NoError(t, err)
	require.Len(t, stations, 237)

	assert.Equal(t, []int{0, 1, 2}, requested)
	// Page order preserved end to end.
	assert.Equal(t, 0, stations[0].ID)
	assert.Equal(t, 99, stations[99].ID)
	assert.Equal(t, 100, stations[100].ID)
	assert.Equal(t, 236, stations[236].ID)
	assert.Equal(t, "Kraków", stations[0].City)
	assert.Equal(t, 50.01, stations[0].Latitude)
}

func TestFetchStationsUnexpectedShape(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"totalPages":             1,
			"Lista stacji pomiarowych": map[string]any{"not": "a list"},
		})
	})

	_, err := client.FetchStations(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedPayload)
}

func TestFetchStationMetaFilters(t *testing.T) {
	var gotQuery map[string][]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(map[string]any{
			"totalPages": 1,
			"Lista metadanych stacji pomiarowych": []map[string]any{
				{
					"Kod stacji":         "MpKrakBuja",
					"Kod międzynarodowy": "PL0039A",
					"Data uruchomienia":  "2003-01-01",
					"Data zamknięcia":    nil,
					"Rodzaj stacji":      "tło miejskie",
				},
			},
		})
	})

	meta, err := client.FetchStationMeta(context.Background(), "Kraków", "MpKrakBuja")
	require.NoError(t, err)
	require.Len(t, meta, 1)

	assert.Equal(t, []string{"Kraków"}, gotQuery["filter[miasto]"])
	assert.Equal(t, []string{"MpKrakBuja"}, gotQuery["filter[kod-stacji]"])

	assert.Equal(t, "MpKrakBuja", meta[0].Codename)
	require.NotNil(t, meta[0].InternationalCodename)
	assert.Equal(t, "PL0039A", *meta[0].InternationalCodename)
	assert.Nil(t, meta[0].CloseDate)
	assert.Equal(t, 2003, meta[0].LaunchDate.Year())
}

func TestFetchAirQualityIndexesMapMerge(t *testing.T) {
	// Map-shaped target split across two pages; the client merges keys.
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var fragment map[string]any
		if page == 0 {
			fragment = map[string]any{
				"Data wykonania obliczeń indeksu": "2024-05-01 12:20:00",
				"Wartość indeksu":                 1,
				"Wartość indeksu dla wskaźnika PM10": 2,
			}
		} else {
			fragment = map[string]any{
				"Data wykonania obliczeń indeksu dla wskaźnika PM10": "2024-05-01 12:20:00",
				"Status indeksu ogólnego dla stacji pomiarowej":      true,
				"Kod zanieczyszczenia krytycznego":                   "PM10",
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"totalPages": 2,
			"AqIndex":    fragment,
		})
	})

	indexes, err := client.FetchAirQualityIndexes(context.Background(), 400)
	require.NoError(t, err)

	require.NotNil(t, indexes.Overall.Value)
	assert.Equal(t, 1, *indexes.Overall.Value)
	require.NotNil(t, indexes.Overall.Date)

	pm10 := indexes.Sensors["PM10"]
	require.NotNil(t, pm10.Value)
	assert.Equal(t, 2, *pm10.Value)
	require.NotNil(t, pm10.Date)

	// Pollutants absent from the payload map to "no value", not an error.
	no2 := indexes.Sensors["NO2"]
	assert.Nil(t, no2.Value)
	assert.Nil(t, no2.Date)

	require.NotNil(t, indexes.IndexStatus)
	assert.True(t, *indexes.IndexStatus)
	require.NotNil(t, indexes.IndexCritical)
	assert.Equal(t, "PM10", *indexes.IndexCritical)
}

func TestFetchSensorDataSkipsEmptyValues(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"totalPages": 1,
			"Lista danych pomiarowych": []map[string]any{
				{"Data": "2024-05-01 10:00:00", "Wartość": 12.5},
				{"Data": "2024-05-01 11:00:00", "Wartość": nil},
				{"Data": "2024-05-01 12:00:00", "Wartość": 14.0},
			},
		})
	})

	data, err := client.FetchSensorData(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, 12.5, data[0].Value)
	assert.Equal(t, 14.0, data[1].Value)
}

func TestFetchSensorArchivalDataParamsAndPaging(t *testing.T) {
	pages := 2
	var sizes []string
	var froms, tos []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		sizes = append(sizes, r.URL.Query().Get("size"))
		froms = append(froms, r.URL.Query().Get("dateFrom"))
		tos = append(tos, r.URL.Query().Get("dateTo"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		json.NewEncoder(w).Encode(map[string]any{
			"totalPages": pages,
			"Lista archiwalnych wyników pomiarów": []map[string]any{
				{"Data": fmt.Sprintf("2024-04-01 %02d:00:00", page), "Wartość": float64(page)},
			},
		})
	})

	from := time.Date(2024, 4, 1, 0, 0, 0, 0, time.Local)
	to := time.Date(2024, 4, 2, 0, 0, 0, 0, time.Local)
	data, err := client.FetchSensorArchivalData(context.Background(), 42, &from, &to, 0)
	require.NoError(t, err)
	require.Len(t, data, 2)
	// Streamed endpoints request the server's maximum page size.
	assert.Equal(t, []string{"500", "500"}, sizes)
	assert.Equal(t, []string{"2024-04-01 00:00", "2024-04-01 00:00"}, froms)
	assert.Equal(t, []string{"2024-04-02 00:00", "2024-04-02 00:00"}, tos)
}

func TestStructuredErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error_code":     "API-ERR-1000",
			"error_reason":   "Niepoprawny parametr",
			"error_result":   "Żądanie odrzucone",
			"error_solution": "Popraw parametry",
		})
	})

	_, err := client.FetchStations(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "API-ERR-1000", apiErr.Code)
	assert.Equal(t, "Niepoprawny parametr", apiErr.Reason)
}

func TestArchivalRateLimitSignaledAsTooManyRequests(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error_code":   rateLimitCode,
			"error_reason": "Przekroczono limit żądań",
		})
	})

	_, err := client.FetchSensorArchivalData(context.Background(), 42, nil, nil, 3)
	require.ErrorIs(t, err, ErrTooManyRequests)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr), "rate limit must not surface as a generic api error")
}

// flakyTransport fails the first n round-trips at the transport level.
type flakyTransport struct {
	fail int
	next http.RoundTripper
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.fail > 0 {
		t.fail--
		return nil, errors.New("dial tcp: connection refused")
	}
	return t.next.RoundTrip(req)
}

func TestConnectivityFlagAndNotifications(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"totalPages":             1,
			"Lista stacji pomiarowych": []map[string]any{},
		})
	}))
	defer srv.Close()

	httpClient := &http.Client{Transport: &flakyTransport{fail: 2, next: http.DefaultTransport}}
	client := NewClient(srv.URL, httpClient, zerolog.Nop())

	var notifications []bool
	client.OnStatusChange(func(v bool) { notifications = append(notifications, v) })

	require.True(t, client.Reachable())

	_, err := client.FetchStations(context.Background())
	require.ErrorIs(t, err, ErrConnectivity)
	assert.False(t, client.Reachable())

	// Second failure: flag already false, no duplicate notification.
	_, err = client.FetchStations(context.Background())
	require.ErrorIs(t, err, ErrConnectivity)

	// Transport recovered: flag flips back and notifies once.
	_, err = client.FetchStations(context.Background())
	require.NoError(t, err)
	assert.True(t, client.Reachable())

	assert.Equal(t, []bool{false, true}, notifications)
}
