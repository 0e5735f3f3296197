// Package client provides an HTTP client for the air-quality forecaster API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/api"
	"github.com/khrystyna-dutka/Masterwork/pkg/httpx"
)

// ForecasterClient talks to the forecaster service. It is safe for
// concurrent use.
type ForecasterClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewForecasterClient creates a client for baseURL, e.g.
// "http://localhost:8081". Requests time out after 5 seconds; training
// calls need NewForecasterClientWithTimeout.
func NewForecasterClient(baseURL string) *ForecasterClient {
	return NewForecasterClientWithTimeout(baseURL, 5*time.Second)
}

func NewForecasterClientWithTimeout(baseURL string, timeout time.Duration) *ForecasterClient {
	return &ForecasterClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Error is a non-2xx reply.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("forecaster returned %d: %s", e.StatusCode, e.Message)
}

// CurrentResult is the stored forecast of a zone.
type CurrentResult struct {
	Forecast api.ZoneForecast
	// Stale is set when the forecaster flagged the forecast as overdue for
	// a refresh.
	Stale bool
}

// Current fetches the stored forecast of zone.
func (c *ForecasterClient) Current(ctx context.Context, zone int) (*CurrentResult, error) {
	var out api.ZoneForecast
	h, err := c.do(ctx, http.MethodGet, "/forecast/current", url.Values{"zone": {strconv.Itoa(zone)}}, &out)
	if err != nil {
		return nil, err
	}
	return &CurrentResult{Forecast: out, Stale: h.Get(api.StaleHeader) == "true"}, nil
}

// Forecast computes a fresh forecast of hours for zone and stores it when
// save is set.
func (c *ForecasterClient) Forecast(ctx context.Context, zone, hours int, save bool) (api.ZoneForecast, error) {
	var out api.ZoneForecast
	_, err := c.do(ctx, http.MethodPost, "/forecast", forecastQuery(zone, hours, save), &out)
	return out, err
}

// ForecastAll forecasts every zone. Per-zone failures are reported in the
// response, not as an error.
func (c *ForecasterClient) ForecastAll(ctx context.Context, hours int, save bool) (api.ForecastAllResponse, error) {
	var out api.ForecastAllResponse
	_, err := c.do(ctx, http.MethodPost, "/forecast", forecastQuery(0, hours, save), &out)
	return out, err
}

func forecastQuery(zone, hours int, save bool) url.Values {
	q := url.Values{"hours": {strconv.Itoa(hours)}, "save": {strconv.FormatBool(save)}}
	if zone != 0 {
		q.Set("zone", strconv.Itoa(zone))
	}
	return q
}

// Train retrains zone. Zero days or epochs use the server defaults.
func (c *ForecasterClient) Train(ctx context.Context, zone, days, epochs int) (api.TrainResponse, error) {
	q := url.Values{"zone": {strconv.Itoa(zone)}}
	if days > 0 {
		q.Set("days", strconv.Itoa(days))
	}
	if epochs > 0 {
		q.Set("epochs", strconv.Itoa(epochs))
	}
	var out api.TrainResponse
	_, err := c.do(ctx, http.MethodPost, "/train", q, &out)
	return out, err
}

// Monitor runs a monitor check of zone, or of every zone when zone is 0.
func (c *ForecasterClient) Monitor(ctx context.Context, zone int) (api.MonitorResponse, error) {
	q := url.Values{}
	if zone != 0 {
		q.Set("zone", strconv.Itoa(zone))
	}
	var out api.MonitorResponse
	_, err := c.do(ctx, http.MethodPost, "/monitor", q, &out)
	return out, err
}

func (c *ForecasterClient) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	_, err := c.do(ctx, http.MethodGet, "/models/status", nil, &out)
	return out, err
}

func (c *ForecasterClient) Scaler(ctx context.Context, zone int) (api.ScalerResponse, error) {
	var out api.ScalerResponse
	_, err := c.do(ctx, http.MethodGet, "/scaler", url.Values{"zone": {strconv.Itoa(zone)}}, &out)
	return out, err
}

func (c *ForecasterClient) do(ctx context.Context, method, path string, query url.Values, out any) (http.Header, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e httpx.ErrorResponse
		msg := string(body)
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.Header, nil
}
