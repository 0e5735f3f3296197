// Package monitor tracks the accuracy and age of every zone's model and
// retrains it when forecasts drift from the measurements that later arrive
// or when the model grows stale.
//
// Each zone moves through the states Healthy, Stale, Drifted and Retraining.
// Signals are ranked critical drift > drift > staleness. Ordinary drift and
// staleness honour a retrain cooldown; critical drift does not. A failed
// retrain leaves the zone in the state that triggered it and is reported in
// the Decision; the next check tries again.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

// State is the lifecycle state of a zone's model.
type State int

const (
	Healthy State = iota
	Stale
	Drifted
	Retraining
)

var stateNames = [...]string{"healthy", "stale", "drifted", "retraining"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// Reason explains a decision.
type Reason string

const (
	ReasonGood          Reason = "good_performance"
	ReasonNoForecasts   Reason = "insufficient_overlap"
	ReasonHighError     Reason = "high_error"
	ReasonCritical      Reason = "critical_anomaly"
	ReasonTimeThreshold Reason = "time_threshold"
	ReasonNoModel       Reason = "no_model"
	ReasonCooldown      Reason = "cooldown"
)

// Thresholds configure the monitor.
type Thresholds struct {
	// DriftMAE and CriticalMAE bound the mean absolute error in µg/m³,
	// averaged over the six pollutants.
	DriftMAE    float64       `yaml:"drift_mae"`
	CriticalMAE float64       `yaml:"critical_mae"`
	Staleness   time.Duration `yaml:"staleness"`
	Cooldown    time.Duration `yaml:"cooldown"`
	// Window is how far back stored forecasts are compared.
	Window    time.Duration `yaml:"window"`
	Tolerance time.Duration `yaml:"tolerance"`
	MinPairs  int           `yaml:"min_pairs"`
	// RetrainDays is the data window of a retrain.
	RetrainDays int `yaml:"retrain_days"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DriftMAE:    3.0,
		CriticalMAE: 10.0,
		Staleness:   24 * time.Hour,
		Cooldown:    time.Hour,
		Window:      24 * time.Hour,
		Tolerance:   30 * time.Minute,
		MinPairs:    5,
		RetrainDays: 30,
	}
}

// Trainer is the retrain entry point. forecast.Service implements it.
type Trainer interface {
	// LastTrained returns airquality.ErrArtifactNotFound for a zone that was
	// never trained.
	LastTrained(ctx context.Context, zone airquality.Zone) (time.Time, error)
	Train(ctx context.Context, zone airquality.Zone, req forecast.TrainRequest) (forecast.Report, error)
}

// Decision is the outcome of one check of one zone.
type Decision struct {
	Zone   airquality.Zone `json:"zone"`
	At     time.Time       `json:"at"`
	From   State           `json:"from"`
	To     State           `json:"to"`
	Reason Reason          `json:"reason"`

	Accuracy *Accuracy `json:"accuracy,omitempty"`
	// ModelAge is zero when the zone has no model.
	ModelAge time.Duration `json:"model_age"`
	// HasModel reports whether the zone has a model once the decision is
	// applied.
	HasModel bool `json:"has_model"`

	// Signal is ErrCriticalDrift or ErrDriftDetected when accuracy crossed
	// a threshold.
	Signal    error            `json:"-"`
	Retrained bool             `json:"retrained"`
	Report    *forecast.Report `json:"report,omitempty"`
	// Err is a failed accuracy check or retrain. It never stops the monitor.
	Err error `json:"-"`
}

type zoneStatus struct {
	state       State
	lastAttempt time.Time
	last        *Decision
}

// Monitor checks zones and triggers retraining.
type Monitor struct {
	forecasts    storage.ForecastStore
	measurements storage.MeasurementReader
	trainer      Trainer
	th           Thresholds
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.Mutex
	zones map[airquality.Zone]*zoneStatus
	// OnDecision, when set, observes every decision.
	OnDecision func(Decision)
}

func New(forecasts storage.ForecastStore, measurements storage.MeasurementReader, trainer Trainer, th Thresholds, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		forecasts:    forecasts,
		measurements: measurements,
		trainer:      trainer,
		th:           th,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		zones:        make(map[airquality.Zone]*zoneStatus),
	}
	for _, z := range airquality.Zones {
		m.zones[z] = &zoneStatus{}
	}
	return m
}

// WithClock replaces the wall clock.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// State returns the current state of zone.
func (m *Monitor) State(zone airquality.Zone) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zones[zone]; ok {
		return z.state
	}
	return Healthy
}

// Last returns the latest decision for zone, if any.
func (m *Monitor) Last(zone airquality.Zone) (Decision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zones[zone]; ok && z.last != nil {
		return *z.last, true
	}
	return Decision{}, false
}

func (m *Monitor) setState(zone airquality.Zone, s State) {
	m.mu.Lock()
	m.zones[zone].state = s
	m.mu.Unlock()
}

// CheckAll checks every zone in turn.
func (m *Monitor) CheckAll(ctx context.Context) []Decision {
	out := make([]Decision, 0, len(airquality.Zones))
	for _, z := range airquality.Zones {
		if ctx.Err() != nil {
			break
		}
		d, err := m.Check(ctx, z)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Check evaluates zone and retrains it when needed. The returned error is
// non-nil only for an unknown zone; every other failure is in Decision.Err.
func (m *Monitor) Check(ctx context.Context, zone airquality.Zone) (Decision, error) {
	if err := airquality.ValidateZone(zone); err != nil {
		return Decision{}, err
	}
	now := m.now()
	log := m.logger.With("zone", zone)

	m.mu.Lock()
	st := m.zones[zone]
	d := Decision{Zone: zone, At: now, From: st.state, To: Healthy, Reason: ReasonGood}
	lastAttempt := st.lastAttempt
	m.mu.Unlock()

	acc, err := m.Accuracy(ctx, zone)
	switch {
	case errors.Is(err, airquality.ErrInsufficientData):
		d.Reason = ReasonNoForecasts
	case err != nil:
		d.Err = err
		log.Error("accuracy check failed", "error", err)
	default:
		d.Accuracy = &acc
	}

	trainedAt, err := m.trainer.LastTrained(ctx, zone)
	missing := errors.Is(err, airquality.ErrArtifactNotFound)
	if err != nil && !missing {
		d.Err = errors.Join(d.Err, err)
		log.Error("model age check failed", "error", err)
	}
	if err == nil {
		d.ModelAge = now.Sub(trainedAt)
		d.HasModel = true
	}

	retrain, bypassCooldown := false, false
	switch {
	case d.Accuracy != nil && d.Accuracy.MAE > m.th.CriticalMAE:
		d.To, d.Reason, d.Signal = Drifted, ReasonCritical, airquality.ErrCriticalDrift
		retrain, bypassCooldown = true, true
	case d.Accuracy != nil && d.Accuracy.MAE > m.th.DriftMAE:
		d.To, d.Reason, d.Signal = Drifted, ReasonHighError, airquality.ErrDriftDetected
		retrain = true
	case missing:
		d.To, d.Reason = Stale, ReasonNoModel
		retrain = true
	case err == nil && d.ModelAge > m.th.Staleness:
		d.To, d.Reason = Stale, ReasonTimeThreshold
		retrain = true
	}

	if retrain && !bypassCooldown && !lastAttempt.IsZero() && now.Sub(lastAttempt) < m.th.Cooldown {
		log.Info("retrain skipped during cooldown", "reason", d.Reason, "since_last", now.Sub(lastAttempt))
		d.Reason = ReasonCooldown
		retrain = false
	}

	if retrain {
		m.retrain(ctx, &d, log)
	}

	m.mu.Lock()
	st.state = d.To
	st.last = &d
	m.mu.Unlock()

	m.logDecision(log, d)
	if m.OnDecision != nil {
		m.OnDecision(d)
	}
	return d, nil
}

func (m *Monitor) retrain(ctx context.Context, d *Decision, log *slog.Logger) {
	m.mu.Lock()
	m.zones[d.Zone].lastAttempt = d.At
	m.mu.Unlock()
	m.setState(d.Zone, Retraining)

	log.Info("retraining", "reason", d.Reason)
	rep, err := m.trainer.Train(ctx, d.Zone, forecast.TrainRequest{Days: m.th.RetrainDays})
	if err != nil {
		d.Err = errors.Join(d.Err, fmt.Errorf("retrain zone %d: %w", d.Zone, err))
		log.Error("retrain failed", "reason", d.Reason, "error", err)
		return
	}
	d.Retrained = true
	d.HasModel = true
	d.Report = &rep
	d.To = Healthy
}

func (m *Monitor) logDecision(log *slog.Logger, d Decision) {
	attrs := []any{"from", d.From, "to", d.To, "reason", d.Reason, "retrained", d.Retrained}
	if d.Accuracy != nil {
		attrs = append(attrs, "mae", d.Accuracy.MAE, "pairs", d.Accuracy.Pairs)
	}
	if d.Report != nil {
		attrs = append(attrs, "val_score", d.Report.Result.ValScore)
	}
	switch {
	case d.Signal != nil:
		log.Warn("model drift", attrs...)
	default:
		log.Info("model checked", attrs...)
	}
}
