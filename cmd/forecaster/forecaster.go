package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/config"
	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/metrics"
	"github.com/khrystyna-dutka/Masterwork/pkg/feedback"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
)

// Forecaster runs the scheduled jobs of the pipeline: forecast refresh,
// monitoring, feedback collection and incremental training.
type Forecaster struct {
	svc       *forecast.Service
	monitor   *monitor.Monitor
	collector *feedback.Collector
	trainer   *feedback.IncrementalTrainer
	metrics   *metrics.Metrics
	horizon   int
	logger    *slog.Logger
}

func New(
	svc *forecast.Service,
	mon *monitor.Monitor,
	collector *feedback.Collector,
	trainer *feedback.IncrementalTrainer,
	m *metrics.Metrics,
	horizon int,
	logger *slog.Logger,
) *Forecaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forecaster{
		svc:       svc,
		monitor:   mon,
		collector: collector,
		trainer:   trainer,
		metrics:   m,
		horizon:   horizon,
		logger:    logger,
	}
}

// Refresh forecasts every zone and stores the result.
func (f *Forecaster) Refresh(ctx context.Context) error {
	defer f.metrics.ObserveStage(metrics.StageForecast, time.Now())
	results := f.svc.ForecastAll(ctx, f.horizon, true)
	published := 0
	for _, r := range results {
		if r.Err != nil {
			f.metrics.RecordError(metrics.StageForecast, r.Err)
			continue
		}
		f.metrics.SetForecast(r.Zone, r.Forecasts)
		published++
	}
	f.logger.Info("forecast refresh complete", "zones", published, "hours", f.horizon)
	return forecast.Errors(results)
}

// Monitor checks every zone. Decisions reach the metrics through the
// monitor's OnDecision hook.
func (f *Forecaster) Monitor(ctx context.Context) {
	defer f.metrics.ObserveStage(metrics.StageMonitor, time.Now())
	ds := f.monitor.CheckAll(ctx)
	retrained := 0
	for _, d := range ds {
		if d.Retrained {
			retrained++
		}
	}
	f.logger.Info("monitor pass complete", "zones", len(ds), "retrained", retrained)
}

// CollectFeedback stores feedback for forecasts that have come due.
func (f *Forecaster) CollectFeedback(ctx context.Context) (int, error) {
	defer f.metrics.ObserveStage(metrics.StageFeedback, time.Now())
	counts, err := f.collector.CollectAll(ctx)
	total := 0
	for z, n := range counts {
		f.metrics.RecordFeedback(z, n)
		total += n
	}
	if err != nil {
		f.metrics.RecordError(metrics.StageFeedback, err)
	}
	return total, err
}

// Incremental fine-tunes every zone with enough unused feedback.
func (f *Forecaster) Incremental(ctx context.Context) error {
	defer f.metrics.ObserveStage(metrics.StageIncremental, time.Now())
	results, err := f.trainer.RunAll(ctx)
	for _, r := range results {
		if r.Trained {
			f.metrics.RecordFineTune(r.Zone)
		}
	}
	if err != nil {
		f.metrics.RecordError(metrics.StageIncremental, err)
	}
	return err
}

// Schedule registers the jobs with c. Empty specs are skipped.
func (f *Forecaster) Schedule(ctx context.Context, c *cron.Cron, s config.Schedule) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"forecast", s.Forecast, f.Refresh},
		{"monitor", s.Monitor, func(ctx context.Context) error { f.Monitor(ctx); return nil }},
		{"feedback", s.Feedback, func(ctx context.Context) error { _, err := f.CollectFeedback(ctx); return err }},
		{"incremental", s.Incremental, f.Incremental},
	}
	for _, j := range jobs {
		if j.spec == "" {
			f.logger.Info("job disabled", "job", j.name)
			continue
		}
		if _, err := c.AddFunc(j.spec, func() {
			if err := j.run(ctx); err != nil {
				f.logger.Error("scheduled job failed", "job", j.name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
		f.logger.Info("job scheduled", "job", j.name, "spec", j.spec)
	}
	return nil
}

// NewCron returns a UTC scheduler that skips a run while the previous run of
// the same job is still going.
func NewCron(logger *slog.Logger) *cron.Cron {
	l := cronLogger{logger}
	return cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
