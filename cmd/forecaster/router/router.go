// Package router configures the forecaster's HTTP API.
//
// Routes:
//   - GET  /forecast/current?zone=N           stored forecast of a zone
//   - POST /forecast?zone=N&hours=H&save=B    fresh forecast of one or all zones
//   - POST /train?zone=N&days=D&epochs=E      retrain a zone synchronously
//   - POST /monitor?zone=N                    monitor check of one or all zones
//   - GET  /models/status                     model and monitor state per zone
//   - GET  /scaler?zone=N                     fitted scaler of a zone
//   - GET  /healthz                           store health
//   - GET  /metrics                           Prometheus metrics
//
// Stored forecasts whose generation is older than the stale threshold carry
// the X-Forecast-Stale header.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/metrics"
	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/api"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/httpx"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
	"github.com/khrystyna-dutka/Masterwork/pkg/scaler"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

// Forecaster is the part of forecast.Service the API serves.
type Forecaster interface {
	Forecast(ctx context.Context, zone airquality.Zone, hours int) ([]airquality.Forecast, error)
	Publish(ctx context.Context, zone airquality.Zone, hours int) ([]airquality.Forecast, error)
	ForecastAll(ctx context.Context, hours int, save bool) []forecast.ZoneResult
	Train(ctx context.Context, zone airquality.Zone, req forecast.TrainRequest) (forecast.Report, error)
	Status(ctx context.Context) []forecast.ModelStatus
	Scaler(ctx context.Context, zone airquality.Zone) (*scaler.MinMax, error)
	Now() time.Time
}

// Monitor is the part of monitor.Monitor the API serves.
type Monitor interface {
	Check(ctx context.Context, zone airquality.Zone) (monitor.Decision, error)
	CheckAll(ctx context.Context) []monitor.Decision
	State(zone airquality.Zone) monitor.State
}

type Options struct {
	Service   Forecaster
	Monitor   Monitor
	Forecasts storage.ForecastStore
	// Metrics is optional.
	Metrics *metrics.Metrics
	// MetricsHandler defaults to promhttp.Handler().
	MetricsHandler http.Handler
	// Health is optional.
	Health       func() error
	DefaultHours int
	StaleAfter   time.Duration
}

type handlers struct {
	Options
	logger *slog.Logger
}

// SetupRoutes returns the API handler wrapped in recovery and request
// logging middleware.
func SetupRoutes(opts Options, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultHours == 0 {
		opts.DefaultHours = 24
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}
	h := &handlers{Options: opts, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(opts.Health))
	mux.Handle("GET /metrics", opts.MetricsHandler)
	mux.HandleFunc("GET /forecast/current", h.current)
	mux.HandleFunc("POST /forecast", h.forecast)
	mux.HandleFunc("POST /train", h.train)
	mux.HandleFunc("POST /monitor", h.monitor)
	mux.HandleFunc("GET /models/status", h.status)
	mux.HandleFunc("GET /scaler", h.scaler)

	return httpx.Chain(mux, httpx.RecoveryMiddleware(logger), httpx.LoggingMiddleware(logger))
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, airquality.ErrUnknownZone), errors.Is(err, airquality.ErrInvalidHorizon):
		return http.StatusBadRequest
	case errors.Is(err, airquality.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, airquality.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(w http.ResponseWriter, component string, err error) {
	status := StatusFor(err)
	if status >= 500 {
		h.logger.Error("request failed", "component", component, "error", err)
	}
	if h.Metrics != nil {
		h.Metrics.RecordError(component, err)
	}
	httpx.WriteError(w, status, err)
}

// zoneParam returns the zone query parameter. ok is false when it is absent.
func zoneParam(r *http.Request) (zone airquality.Zone, ok bool, err error) {
	s := r.URL.Query().Get("zone")
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %q", airquality.ErrUnknownZone, s)
	}
	zone = airquality.Zone(n)
	return zone, true, airquality.ValidateZone(zone)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, s)
	}
	return n, nil
}

func (h *handlers) requireZone(w http.ResponseWriter, r *http.Request) (airquality.Zone, bool) {
	zone, ok, err := zoneParam(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return 0, false
	}
	if !ok {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "zone parameter required")
		return 0, false
	}
	return zone, true
}

func (h *handlers) current(w http.ResponseWriter, r *http.Request) {
	zone, ok := h.requireZone(w, r)
	if !ok {
		return
	}
	now := h.Service.Now()
	from := now.Truncate(time.Hour)
	fs, err := h.Forecasts.Forecasts(r.Context(), zone, from, from.Add((airquality.MaxHorizon+1)*time.Hour))
	if err != nil {
		h.fail(w, "forecast", err)
		return
	}
	if len(fs) == 0 {
		httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("no stored forecast for zone %d", zone))
		return
	}
	if h.StaleAfter > 0 && now.Sub(fs[0].GeneratedAt) > h.StaleAfter {
		w.Header().Set(api.StaleHeader, "true")
	}
	_ = httpx.WriteJSON(w, http.StatusOK, api.NewZoneForecast(zone, fs, true, nil))
}

func (h *handlers) forecast(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", h.DefaultHours)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", airquality.ErrInvalidHorizon, err))
		return
	}
	save, _ := strconv.ParseBool(r.URL.Query().Get("save"))
	zone, single, err := zoneParam(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	if h.Metrics != nil {
		defer h.Metrics.ObserveStage(metrics.StageForecast, start)
	}

	if !single {
		if err := airquality.ValidateHorizon(hours); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
		resp := api.ForecastAllResponse{Zones: []api.ZoneForecast{}}
		for _, res := range h.Service.ForecastAll(r.Context(), hours, save) {
			if res.Err != nil {
				resp.Failed++
				if h.Metrics != nil {
					h.Metrics.RecordError(metrics.StageForecast, res.Err)
				}
			} else if save && h.Metrics != nil {
				h.Metrics.SetForecast(res.Zone, res.Forecasts)
			}
			resp.Zones = append(resp.Zones, api.NewZoneForecast(res.Zone, res.Forecasts, save, res.Err))
		}
		_ = httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}

	var fs []airquality.Forecast
	if save {
		fs, err = h.Service.Publish(r.Context(), zone, hours)
	} else {
		fs, err = h.Service.Forecast(r.Context(), zone, hours)
	}
	if err != nil {
		h.fail(w, metrics.StageForecast, err)
		return
	}
	if save && h.Metrics != nil {
		h.Metrics.SetForecast(zone, fs)
	}
	_ = httpx.WriteJSON(w, http.StatusOK, api.NewZoneForecast(zone, fs, save, nil))
}

func (h *handlers) train(w http.ResponseWriter, r *http.Request) {
	zone, ok := h.requireZone(w, r)
	if !ok {
		return
	}
	var req forecast.TrainRequest
	var err error
	if req.Days, err = intParam(r, "days", 0); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.Epochs, err = intParam(r, "epochs", 0); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if s := r.URL.Query().Get("model"); s != "" {
		if req.Kind, err = models.ParseKind(s); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
	}

	start := time.Now()
	rep, err := h.Service.Train(r.Context(), zone, req)
	if h.Metrics != nil {
		h.Metrics.ObserveStage(metrics.StageTrain, start)
	}
	if err != nil {
		h.fail(w, metrics.StageTrain, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.RecordRetrain(zone, "api")
	}
	_ = httpx.WriteJSON(w, http.StatusOK, api.TrainResponse{
		Zone:        int(zone),
		ZoneName:    zone.Name(),
		Report:      rep,
		Improvement: rep.Improvement(),
	})
}

func (h *handlers) monitor(w http.ResponseWriter, r *http.Request) {
	zone, single, err := zoneParam(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	var ds []monitor.Decision
	if single {
		d, err := h.Monitor.Check(r.Context(), zone)
		if err != nil {
			h.fail(w, metrics.StageMonitor, err)
			return
		}
		ds = []monitor.Decision{d}
	} else {
		ds = h.Monitor.CheckAll(r.Context())
	}
	resp := api.MonitorResponse{Decisions: make([]api.Decision, len(ds))}
	for i, d := range ds {
		resp.Decisions[i] = api.NewDecision(d)
	}
	_ = httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	sts := h.Service.Status(r.Context())
	resp := api.StatusResponse{Zones: make([]api.ZoneStatus, len(sts))}
	for i, st := range sts {
		resp.Zones[i] = api.ZoneStatus{ModelStatus: st, State: h.Monitor.State(st.Zone).String()}
	}
	_ = httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) scaler(w http.ResponseWriter, r *http.Request) {
	zone, ok := h.requireZone(w, r)
	if !ok {
		return
	}
	sc, err := h.Service.Scaler(r.Context(), zone)
	if err != nil {
		h.fail(w, "scaler", err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, api.NewScalerResponse(zone, sc))
}
