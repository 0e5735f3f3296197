// Package metrics provides Prometheus instrumentation for the forecaster.
//
// Metrics exposed:
//   - aq_stage_duration_seconds: histogram of pipeline stage durations by stage
//   - aq_forecast_aqi: gauge of the next-hour forecast AQI by zone
//   - aq_forecast_points: gauge of forecast hours last published by zone
//   - aq_monitor_mae: gauge of the last monitored MAE in µg/m³ by zone
//   - aq_zone_state: gauge of the monitor state by zone (0 healthy .. 3 retraining)
//   - aq_retrains_total: counter of retrains by zone and reason
//   - aq_feedback_records_total: counter of stored feedback records by zone
//   - aq_fine_tunes_total: counter of incremental trainings by zone
//   - aq_errors_total: counter of errors by component and reason
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
)

// Stage names.
const (
	StageForecast    = "forecast"
	StageTrain       = "train"
	StageMonitor     = "monitor"
	StageFeedback    = "feedback"
	StageIncremental = "incremental"
)

type Metrics struct {
	StageDuration   *prometheus.HistogramVec
	ForecastAQI     *prometheus.GaugeVec
	ForecastPoints  *prometheus.GaugeVec
	MonitorMAE      *prometheus.GaugeVec
	ZoneState       *prometheus.GaugeVec
	Retrains        *prometheus.CounterVec
	FeedbackRecords *prometheus.CounterVec
	FineTunes       *prometheus.CounterVec
	Errors          *prometheus.CounterVec
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aq_stage_duration_seconds",
			Help:    "Duration of forecaster pipeline stages",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"}),
		ForecastAQI: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aq_forecast_aqi",
			Help: "AQI of the first forecast hour",
		}, []string{"zone"}),
		ForecastPoints: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aq_forecast_points",
			Help: "Number of forecast hours last published",
		}, []string{"zone"}),
		MonitorMAE: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aq_monitor_mae",
			Help: "Mean absolute error of stored forecasts against measurements, µg/m³",
		}, []string{"zone"}),
		ZoneState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aq_zone_state",
			Help: "Monitor state: 0 healthy, 1 stale, 2 drifted, 3 retraining",
		}, []string{"zone"}),
		Retrains: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aq_retrains_total",
			Help: "Retrains triggered by the monitor or the API",
		}, []string{"zone", "reason"}),
		FeedbackRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aq_feedback_records_total",
			Help: "Feedback records stored",
		}, []string{"zone"}),
		FineTunes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aq_fine_tunes_total",
			Help: "Incremental trainings completed",
		}, []string{"zone"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aq_errors_total",
			Help: "Errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

func zoneLabel(z airquality.Zone) string { return strconv.Itoa(int(z)) }

// ObserveStage records the time since start under stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// SetForecast records a zone's freshly published forecast.
func (m *Metrics) SetForecast(zone airquality.Zone, fs []airquality.Forecast) {
	m.ForecastPoints.WithLabelValues(zoneLabel(zone)).Set(float64(len(fs)))
	if len(fs) > 0 {
		m.ForecastAQI.WithLabelValues(zoneLabel(zone)).Set(float64(fs[0].AQI))
	}
}

// ObserveDecision records a monitor decision.
func (m *Metrics) ObserveDecision(d monitor.Decision) {
	z := zoneLabel(d.Zone)
	m.ZoneState.WithLabelValues(z).Set(float64(d.To))
	if d.Accuracy != nil {
		m.MonitorMAE.WithLabelValues(z).Set(d.Accuracy.MAE)
	}
	if d.Retrained {
		m.Retrains.WithLabelValues(z, string(d.Reason)).Inc()
	}
	if d.Err != nil {
		m.RecordError(StageMonitor, d.Err)
	}
}

func (m *Metrics) RecordRetrain(zone airquality.Zone, reason string) {
	m.Retrains.WithLabelValues(zoneLabel(zone), reason).Inc()
}

func (m *Metrics) RecordFeedback(zone airquality.Zone, n int) {
	m.FeedbackRecords.WithLabelValues(zoneLabel(zone)).Add(float64(n))
}

func (m *Metrics) RecordFineTune(zone airquality.Zone) {
	m.FineTunes.WithLabelValues(zoneLabel(zone)).Inc()
}

// RecordError counts err under component with a reason derived from the
// sentinel it wraps.
func (m *Metrics) RecordError(component string, err error) {
	m.Errors.WithLabelValues(component, Reason(err)).Inc()
}

// Reason maps an error to a low-cardinality label.
func Reason(err error) string {
	switch {
	case errors.Is(err, airquality.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, airquality.ErrArtifactNotFound):
		return "no_model"
	case errors.Is(err, airquality.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, airquality.ErrUnknownZone), errors.Is(err, airquality.ErrInvalidHorizon):
		return "bad_request"
	default:
		return "other"
	}
}
