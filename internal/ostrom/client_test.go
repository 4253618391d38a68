package ostrom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LRuesink-WebArray/ostrom/internal/auth"
	"github.com/LRuesink-WebArray/ostrom/internal/ratelimit"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// newTestClient wires a Client against a stub API server. The stub also
// serves the token endpoint at /oauth2/token.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-token",
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(100, time.Minute, quietLogger())
	t.Cleanup(limiter.Stop)

	tokens := auth.NewTokenSource(srv.URL+"/oauth2/token", "id", "secret", http.DefaultClient, limiter, quietLogger())
	client, err := NewClient(srv.URL, http.DefaultClient, tokens, limiter, quietLogger())
	require.NoError(t, err)
	return client, srv
}

func TestSpotPrices(t *testing.T) {
	var gotQuery map[string]string
	requests := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/spot-prices", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		requests++
		gotQuery = map[string]string{
			"startDate":  r.URL.Query().Get("startDate"),
			"endDate":    r.URL.Query().Get("endDate"),
			"resolution": r.URL.Query().Get("resolution"),
			"zip":        r.URL.Query().Get("zip"),
		}
		w.Write([]byte(`{"data":[
			{"date":"2024-07-01T00:00:00Z","netKwhPrice":0.21,"grossKwhPrice":0.25},
			{"date":"2024-07-01T01:00:00Z","netKwhPrice":0.19,"grossKwhPrice":0.23}
		]}`))
	})

	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	points, err := client.SpotPrices(context.Background(), start, end, "10115")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.InDelta(t, 0.21, points[0].NetPrice, 1e-9)
	assert.Equal(t, "HOUR", gotQuery["resolution"])
	assert.Equal(t, "10115", gotQuery["zip"])
	assert.Equal(t, "2024-07-01T00:00:00Z", gotQuery["startDate"])

	// Same range again is served from the cache.
	_, err = client.SpotPrices(context.Background(), start, end, "10115")
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
}

func TestSpotPricesCacheEntryExpires(t *testing.T) {
	// A partial curve (publication still in progress) must not be
	// replayed for the rest of the day: once the entry ages out, the
	// same range is fetched again and the fuller response wins.
	requests := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		hours := 6
		if requests > 1 {
			hours = 24
		}
		points := make([]string, hours)
		for i := range points {
			points[i] = fmt.Sprintf(`{"date":"2024-07-01T%02d:00:00Z","netKwhPrice":0.2}`, i)
		}
		w.Write([]byte(`{"data":[` + strings.Join(points, ",") + `]}`))
	})

	clock := time.Date(2024, 7, 1, 0, 5, 0, 0, time.UTC)
	client.now = func() time.Time { return clock }

	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	points, err := client.SpotPrices(context.Background(), start, end, "")
	require.NoError(t, err)
	require.Len(t, points, 6)

	// Within the TTL the partial curve is still served from cache.
	points, err = client.SpotPrices(context.Background(), start, end, "")
	require.NoError(t, err)
	assert.Len(t, points, 6)
	assert.Equal(t, 1, requests)

	// An hour later the entry has expired and the range is re-asked.
	clock = clock.Add(time.Hour)
	points, err = client.SpotPrices(context.Background(), start, end, "")
	require.NoError(t, err)
	assert.Len(t, points, 24)
	assert.Equal(t, 2, requests)
}

func TestContracts(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/contracts", r.URL.Path)
		w.Write([]byte(`{"data":[{"id":"100042","status":"ACTIVE","firstName":"Ada","startDate":"2023-01-01T00:00:00Z"}]}`))
	})

	contracts, err := client.Contracts(context.Background())
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "100042", contracts[0].ID)
	assert.Equal(t, "ACTIVE", contracts[0].Status)
	assert.Equal(t, 2023, contracts[0].StartDate.Year())
}

func TestConsumption(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/u-1/contracts/100042/energy-consumption", r.URL.Path)
		require.Equal(t, "HOUR", r.URL.Query().Get("resolution"))
		w.Write([]byte(`{"data":[{"date":"2024-07-01T00:00:00Z","kwh":0.42}]}`))
	})

	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	points, err := client.Consumption(context.Background(), "u-1", "100042", start, start.Add(time.Hour), ResolutionHour)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.InDelta(t, 0.42, points[0].Kwh, 1e-9)
}

func TestCreateAccountLink(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/users", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u-1", body["userId"])
		assert.Equal(t, "https://host/callback", body["redirectUrl"])

		w.Write([]byte(`{"url":"https://auth.example/login/xyz"}`))
	})

	link, err := client.CreateAccountLink(context.Background(), "u-1", "https://host/callback", []string{"me:read"})
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example/login/xyz", link.URL)
}

func TestNonSuccessBecomesAPIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"zip required"}`, http.StatusBadRequest)
	})

	_, err := client.Contracts(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Contracts", apiErr.Op)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "zip required")
}

func TestEndpoints(t *testing.T) {
	api, token := Endpoints(EnvSandbox)
	assert.Contains(t, api, "sandbox")
	assert.Contains(t, token, "sandbox")

	api, token = Endpoints(EnvProduction)
	assert.Contains(t, api, "production")
	assert.Contains(t, token, "production")
}
