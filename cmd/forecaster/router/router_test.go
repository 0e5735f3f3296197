package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/metrics"
	"github.com/khrystyna-dutka/Masterwork/internal/synth"
	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/api"
	"github.com/khrystyna-dutka/Masterwork/pkg/artifacts"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

var (
	testNow = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func smallModels(kind models.Kind) (models.Model, error) {
	if kind != models.KindBoosted {
		return models.New(kind, 1)
	}
	cfg := models.DefaultBoostedConfig()
	cfg.Estimators = 30
	cfg.MaxDepth = 3
	cfg.LearningRate = 0.2
	cfg.Subsample = 1
	cfg.MaxBins = 16
	return models.NewBoosted(cfg), nil
}

type testAPI struct {
	handler http.Handler
	metrics *metrics.Metrics
}

func newAPI(t *testing.T) testAPI {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.InsertMeasurements(context.Background(), synth.Series(1, testNow, 240, synth.Options{Noise: 0.02, Seed: 5})); err != nil {
		t.Fatal(err)
	}
	cfg := forecast.DefaultConfig()
	cfg.Kind = models.KindBoosted
	cfg.Epochs = 30
	cfg.NewModel = smallModels
	clock := func() time.Time { return testNow }
	svc := forecast.NewService(cfg, store, artifacts.NewMemoryStore(), discard).WithClock(clock)
	mon := monitor.New(store, store, svc, monitor.DefaultThresholds(), discard).WithClock(clock)
	m := metrics.New(prometheus.NewRegistry())

	return testAPI{
		handler: SetupRoutes(Options{
			Service:   svc,
			Monitor:   mon,
			Forecasts: store,
			Metrics:   m,
			// Tests do not register with the default registry.
			MetricsHandler: http.NotFoundHandler(),
			StaleAfter:     2 * time.Hour,
		}, discard),
		metrics: m,
	}
}

func (a testAPI) do(t *testing.T, method, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, target, err)
		}
	}
	return w
}

func TestAPI_TrainForecastMonitor(t *testing.T) {
	a := newAPI(t)

	var tr api.TrainResponse
	if w := a.do(t, http.MethodPost, "/train?zone=1&days=9", &tr); w.Code != http.StatusOK {
		t.Fatalf("train: %d %s", w.Code, w.Body)
	}
	if tr.Zone != 1 || tr.Report.TrainSamples == 0 || tr.Report.Kind != models.KindBoosted {
		t.Errorf("train response = %+v", tr)
	}
	if got := testutil.ToFloat64(a.metrics.Retrains.WithLabelValues("1", "api")); got != 1 {
		t.Errorf("api retrains = %v, want 1", got)
	}

	var zf api.ZoneForecast
	if w := a.do(t, http.MethodPost, "/forecast?zone=1&hours=6&save=true", &zf); w.Code != http.StatusOK {
		t.Fatalf("forecast: %d %s", w.Code, w.Body)
	}
	if len(zf.Forecasts) != 6 || !zf.Saved {
		t.Fatalf("forecast = %+v", zf)
	}
	if !zf.Forecasts[0].Time.Equal(testNow.Add(time.Hour)) {
		t.Errorf("first hour = %v, want %v", zf.Forecasts[0].Time, testNow.Add(time.Hour))
	}
	if len(zf.Forecasts[0].Pollutants) != airquality.NumPollutants || zf.Forecasts[0].AQI <= 0 {
		t.Errorf("first point = %+v", zf.Forecasts[0])
	}

	var cur api.ZoneForecast
	w := a.do(t, http.MethodGet, "/forecast/current?zone=1", &cur)
	if w.Code != http.StatusOK || len(cur.Forecasts) != 6 {
		t.Fatalf("current: %d, %d points", w.Code, len(cur.Forecasts))
	}
	if w.Header().Get(api.StaleHeader) != "" {
		t.Error("fresh forecast flagged stale")
	}

	var st api.StatusResponse
	a.do(t, http.MethodGet, "/models/status", &st)
	if len(st.Zones) != 6 || !st.Zones[0].Exists || st.Zones[1].Exists {
		t.Errorf("status = %+v", st)
	}
	if st.Zones[0].State != "healthy" {
		t.Errorf("zone 1 state = %q", st.Zones[0].State)
	}

	var sc api.ScalerResponse
	a.do(t, http.MethodGet, "/scaler?zone=1", &sc)
	if len(sc.Columns) != 10 || len(sc.Min) != 10 || sc.Columns[0] != "pm25" {
		t.Errorf("scaler = %+v", sc)
	}

	var mr api.MonitorResponse
	if w := a.do(t, http.MethodPost, "/monitor?zone=1", &mr); w.Code != http.StatusOK {
		t.Fatalf("monitor: %d %s", w.Code, w.Body)
	}
	if len(mr.Decisions) != 1 || mr.Decisions[0].Zone != 1 {
		t.Errorf("monitor = %+v", mr)
	}
}

func TestAPI_Errors(t *testing.T) {
	a := newAPI(t)
	tests := []struct {
		method string
		target string
		want   int
	}{
		{http.MethodPost, "/forecast?zone=9", http.StatusBadRequest},
		{http.MethodPost, "/forecast?zone=abc", http.StatusBadRequest},
		{http.MethodPost, "/forecast?zone=1&hours=0", http.StatusBadRequest},
		{http.MethodPost, "/forecast?zone=1&hours=169", http.StatusBadRequest},
		{http.MethodPost, "/forecast?zone=2", http.StatusNotFound},
		{http.MethodPost, "/train", http.StatusBadRequest},
		{http.MethodPost, "/train?zone=1&model=arima", http.StatusBadRequest},
		{http.MethodPost, "/train?zone=3", http.StatusUnprocessableEntity},
		{http.MethodGet, "/scaler?zone=3", http.StatusNotFound},
		{http.MethodGet, "/forecast/current?zone=1", http.StatusNotFound},
		{http.MethodGet, "/train?zone=1", http.StatusMethodNotAllowed},
		{http.MethodGet, "/healthz", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			if w := a.do(t, tt.method, tt.target, nil); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestAPI_ForecastAllReportsZoneErrors(t *testing.T) {
	a := newAPI(t)
	a.do(t, http.MethodPost, "/train?zone=1&days=9", nil)

	var resp api.ForecastAllResponse
	if w := a.do(t, http.MethodPost, "/forecast?hours=3", &resp); w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if len(resp.Zones) != 6 || resp.Failed != 5 {
		t.Fatalf("zones %d failed %d, want 6 and 5", len(resp.Zones), resp.Failed)
	}
	if len(resp.Zones[0].Forecasts) != 3 || resp.Zones[1].Error == "" {
		t.Errorf("zones = %+v", resp.Zones[:2])
	}
}

func TestCurrent_Stale(t *testing.T) {
	store := storage.NewMemoryStore()
	fs := []airquality.Forecast{{ID: uuid.New(), Zone: 4, Time: testNow.Add(time.Hour), GeneratedAt: testNow.Add(-3 * time.Hour)}}
	if err := store.ReplaceForecasts(context.Background(), 4, testNow.Add(-24*time.Hour), fs); err != nil {
		t.Fatal(err)
	}
	h := SetupRoutes(Options{
		Service:        clockOnly{},
		Forecasts:      store,
		MetricsHandler: http.NotFoundHandler(),
		StaleAfter:     2 * time.Hour,
	}, discard)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/forecast/current?zone=4", nil))
	if w.Code != http.StatusOK || w.Header().Get(api.StaleHeader) != "true" {
		t.Errorf("status %d stale %q", w.Code, w.Header().Get(api.StaleHeader))
	}
}

// clockOnly serves nothing but the time.
type clockOnly struct{ Forecaster }

func (clockOnly) Now() time.Time { return testNow }

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("zone 2: %w", airquality.ErrArtifactNotFound), http.StatusNotFound},
		{airquality.ErrUnknownZone, http.StatusBadRequest},
		{fmt.Errorf("%w: 200", airquality.ErrInvalidHorizon), http.StatusBadRequest},
		{fmt.Errorf("train: %w", airquality.ErrInsufficientData), http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
