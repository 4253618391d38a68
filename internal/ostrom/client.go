// Package ostrom is the typed façade over the upstream provider API:
// spot prices, contracts, consumption and account linking. Every call
// ensures a fresh bearer credential and executes through the shared
// rate limiter.
package ostrom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/LRuesink-WebArray/ostrom/internal/auth"
	"github.com/LRuesink-WebArray/ostrom/internal/pricing"
	"github.com/LRuesink-WebArray/ostrom/internal/ratelimit"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ostrom_upstream_requests_total",
	Help: "Upstream API requests by operation and status code.",
}, []string{"op", "status"})

// APIError is a non-success response from any data endpoint. It is
// fatal to the operation; there is no automatic retry.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// priceCacheTTL bounds how long a cached price response is served.
// It must stay well under an hour: each refresh cycle has to see a
// fresh curve, or a partial response would be replayed until the date
// range itself changes.
const priceCacheTTL = 5 * time.Minute

type cachedPrices struct {
	points  []pricing.PricePoint
	fetched time.Time
}

// Client talks to one upstream environment on behalf of one account.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *auth.TokenSource
	limiter    *ratelimit.Limiter
	logger     *logrus.Logger
	priceCache *lru.Cache

	now func() time.Time
}

func NewClient(baseURL string, httpClient *http.Client, tokens *auth.TokenSource, limiter *ratelimit.Limiter, logger *logrus.Logger) (*Client, error) {
	// A small LRU absorbs bursts of identical asks (host restarts,
	// several sessions on the same zip) without spending rate budget.
	cache, err := lru.New(32)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    limiter,
		logger:     logger,
		priceCache: cache,
		now:        time.Now,
	}, nil
}

type spotPricesResponse struct {
	Data []pricing.PricePoint `json:"data"`
}

// SpotPrices returns hourly prices for the half-open range [start, end),
// optionally scoped to a postal code. Results are cached per range for
// at most priceCacheTTL.
func (c *Client) SpotPrices(ctx context.Context, start, end time.Time, zip string) ([]pricing.PricePoint, error) {
	key := start.UTC().Format(time.RFC3339) + "|" + end.UTC().Format(time.RFC3339) + "|" + zip
	if cached, ok := c.priceCache.Get(key); ok {
		entry := cached.(cachedPrices)
		if c.now().Sub(entry.fetched) < priceCacheTTL {
			return entry.points, nil
		}
		c.priceCache.Remove(key)
	}

	q := url.Values{}
	q.Set("startDate", start.UTC().Format(time.RFC3339))
	q.Set("endDate", end.UTC().Format(time.RFC3339))
	q.Set("resolution", string(ResolutionHour))
	if zip != "" {
		q.Set("zip", zip)
	}

	var resp spotPricesResponse
	if err := c.get(ctx, "SpotPrices", "/spot-prices", q, &resp); err != nil {
		return nil, err
	}

	c.priceCache.Add(key, cachedPrices{points: resp.Data, fetched: c.now()})
	return resp.Data, nil
}

// Contracts lists the contracts of the linked account.
func (c *Client) Contracts(ctx context.Context) ([]Contract, error) {
	var resp contractsResponse
	if err := c.get(ctx, "Contracts", "/contracts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Consumption returns metered kWh deltas for the contract over the
// half-open range [start, end) at the given resolution.
func (c *Client) Consumption(ctx context.Context, userID, contractID string, start, end time.Time, resolution Resolution) ([]ConsumptionPoint, error) {
	q := url.Values{}
	q.Set("startDate", start.UTC().Format(time.RFC3339))
	q.Set("endDate", end.UTC().Format(time.RFC3339))
	q.Set("resolution", string(resolution))

	path := "/users/" + url.PathEscape(userID) + "/contracts/" + url.PathEscape(contractID) + "/energy-consumption"
	var resp consumptionResponse
	if err := c.get(ctx, "Consumption", path, q, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CreateAccountLink asks the upstream for a hosted login URL that ties
// the external user to their provider account.
func (c *Client) CreateAccountLink(ctx context.Context, userID, redirectURL string, scopes []string) (*AccountLink, error) {
	body := map[string]interface{}{
		"userId":      userID,
		"redirectUrl": redirectURL,
		"scopes":      scopes,
	}
	var link AccountLink
	if err := c.do(ctx, "CreateAccountLink", http.MethodPost, "/users", nil, body, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out interface{}) error {
	return c.do(ctx, op, http.MethodGet, path, query, nil, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	if err := c.tokens.EnsureFresh(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("Authorization", c.tokens.Header())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.limiter.Do(ctx, func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()

		requestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			c.logger.WithFields(logrus.Fields{
				"op":     op,
				"status": resp.StatusCode,
			}).Warn("upstream request failed")
			return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(payload)}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decoding response: %w", op, err)
		}
		return nil
	})
}
