// Package features turns hourly base rows into model features without
// looking at the row being predicted.
package features

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// Builder constructs engineered feature rows from a window of past points.
//
// Every feature of the row for timestamp t is computed from the history
// slice handed to Row, which holds only points strictly before t. Lags,
// rolling statistics, differences and the EWM therefore behave as
// shift-then-aggregate and cannot see the target.
type Builder struct {
	// Lags are the pollutant lags in hours.
	Lags []int
	// Rolling is the rolling-statistics window (min-period 1).
	Rolling int
	// Span is the EWM span.
	Span int
	// Window bounds how many past points Build hands to Row.
	Window int

	columns []string
}

// NewBuilder returns a builder with lags 1, 2, 3, 6, a 3-hour rolling
// window, EWM span 3 and a 24-point history.
func NewBuilder() *Builder {
	b := &Builder{Lags: []int{1, 2, 3, 6}, Rolling: 3, Span: 3, Window: 24}
	b.columns = b.buildColumns()
	return b
}

var timeColumns = []string{
	"hour_sin", "hour_cos", "dow_sin", "dow_cos", "month_sin", "month_cos",
	"is_rush_hour", "is_night", "is_weekend", "season",
}

func (b *Builder) buildColumns() []string {
	cols := append([]string(nil), timeColumns...)
	for _, p := range airquality.TargetNames() {
		for _, l := range b.Lags {
			cols = append(cols, fmt.Sprintf("%s_lag_%d", p, l))
		}
		r := b.Rolling
		cols = append(cols,
			fmt.Sprintf("%s_roll_mean_%d", p, r),
			fmt.Sprintf("%s_roll_std_%d", p, r),
			fmt.Sprintf("%s_roll_min_%d", p, r),
			fmt.Sprintf("%s_roll_max_%d", p, r),
			p+"_diff_1",
			p+"_diff_3",
			p+"_pct_1",
			fmt.Sprintf("%s_ewm_%d", p, b.Span),
		)
	}
	for _, w := range airquality.WeatherNames() {
		cols = append(cols, w+"_lag_1")
	}
	return append(cols,
		"pm25_pm10_ratio_lag_1",
		"pm25_humidity_lag_1",
		"pm10_humidity_lag_1",
		"no2_wind_lag_1",
		"o3_temperature_lag_1",
	)
}

// Columns returns the feature names in row order.
func (b *Builder) Columns() []string {
	if b.columns == nil {
		b.columns = b.buildColumns()
	}
	return b.columns
}

// MinRows is the shortest series Build accepts.
func (b *Builder) MinRows() int {
	maxLag := 1
	for _, l := range b.Lags {
		maxLag = max(maxLag, l)
	}
	return max(maxLag, 3) + 2
}

// TimeFeatures returns the calendar part of a row for t.
func TimeFeatures(t time.Time) []float64 {
	h := float64(t.Hour())
	d := float64(t.Weekday())
	m := float64(t.Month() - 1)
	rush, night, weekend := 0.0, 0.0, 0.0
	switch hr := t.Hour(); {
	case hr >= 7 && hr <= 9, hr >= 17 && hr <= 19:
		rush = 1
	case hr >= 22 || hr <= 5:
		night = 1
	}
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		weekend = 1
	}
	season := float64((int(t.Month()) % 12) / 3)
	return []float64{
		math.Sin(2 * math.Pi * h / 24), math.Cos(2 * math.Pi * h / 24),
		math.Sin(2 * math.Pi * d / 7), math.Cos(2 * math.Pi * d / 7),
		math.Sin(2 * math.Pi * m / 12), math.Cos(2 * math.Pi * m / 12),
		rush, night, weekend, season,
	}
}

// Row computes the feature row for timestamp t from history, the points
// strictly before t in time order. Features whose look-back reaches before
// the first history point are NaN; Build and Fill resolve them.
func (b *Builder) Row(history []Point, t time.Time) []float64 {
	row := make([]float64, 0, len(b.Columns()))
	row = append(row, TimeFeatures(t)...)

	n := len(history)
	col := make([]float64, n)
	for pi := range airquality.NumPollutants {
		for i, p := range history {
			col[i] = p.Base[pi]
		}
		at := func(k int) float64 {
			if k > n || k < 1 {
				return math.NaN()
			}
			return col[n-k]
		}
		for _, l := range b.Lags {
			row = append(row, at(l))
		}

		win := col[max(0, n-b.Rolling):]
		if len(win) == 0 {
			row = append(row, math.NaN(), math.NaN(), math.NaN(), math.NaN())
		} else {
			sd := 0.0
			if len(win) > 1 {
				sd = stat.StdDev(win, nil)
			}
			row = append(row, stat.Mean(win, nil), sd, floats.Min(win), floats.Max(win))
		}

		row = append(row, at(1)-at(2), at(1)-at(4), pctChange(at(1), at(2)), ewm(col, b.Span))
	}

	for wi := range 4 {
		if n == 0 {
			row = append(row, math.NaN())
			continue
		}
		row = append(row, history[n-1].Base[airquality.NumPollutants+wi])
	}

	if n == 0 {
		for range 5 {
			row = append(row, math.NaN())
		}
		return row
	}
	last := history[n-1].Base
	pm25, pm10 := last[airquality.PM25], last[airquality.PM10]
	ratio := 0.0
	if pm10 != 0 {
		ratio = pm25 / pm10
	}
	return append(row,
		ratio,
		pm25*last[IdxHumidity],
		pm10*last[IdxHumidity],
		last[airquality.NO2]/(last[IdxWindSpeed]+1),
		last[airquality.O3]*last[IdxTemperature],
	)
}

func pctChange(cur, prev float64) float64 {
	if math.IsNaN(cur) || math.IsNaN(prev) {
		return math.NaN()
	}
	if prev == 0 {
		return 0
	}
	return (cur - prev) / math.Abs(prev)
}

// ewm is the adjusted exponentially weighted mean of xs with the given span,
// weighting the newest value highest.
func ewm(xs []float64, span int) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	alpha := 2 / (float64(span) + 1)
	var num, den float64
	w := 1.0
	for i := len(xs) - 1; i >= 0; i-- {
		num += w * xs[i]
		den += w
		w *= 1 - alpha
	}
	return num / den
}

// Table is a feature matrix aligned with its targets.
type Table struct {
	Columns []string
	Times   []time.Time
	X       [][]float64
	Y       []airquality.Values
}

// Build computes the feature table for points. Row i corresponds to
// points[i+1] and is Row(previous Window points, points[i+1].Time); the
// first point has no history and is dropped. Missing features are
// forward-filled per column, then set to 0.
func (b *Builder) Build(points []Point) (Table, error) {
	if len(points) < b.MinRows() {
		return Table{}, fmt.Errorf("build features: %w: %d rows, need %d", airquality.ErrInsufficientData, len(points), b.MinRows())
	}
	tbl := Table{Columns: b.Columns()}
	for i := 1; i < len(points); i++ {
		hist := points[max(0, i-b.Window):i]
		tbl.X = append(tbl.X, b.Row(hist, points[i].Time))
		tbl.Times = append(tbl.Times, points[i].Time)
		tbl.Y = append(tbl.Y, points[i].Targets())
	}
	Fill(tbl.X)
	if err := CheckLeakage(tbl.Columns); err != nil {
		return Table{}, err
	}
	return tbl, nil
}

// Fill forward-fills NaN cells per column and replaces the rest with 0.
func Fill(rows [][]float64) {
	if len(rows) == 0 {
		return
	}
	width := len(rows[0])
	for j := range width {
		last, seen := 0.0, false
		for i := range rows {
			v := rows[i][j]
			switch {
			case !math.IsNaN(v) && !math.IsInf(v, 0):
				last, seen = v, true
			case seen:
				rows[i][j] = last
			default:
				rows[i][j] = 0
			}
		}
	}
}

// ErrLeakage is returned when a target column is present in a feature set.
var ErrLeakage = errors.New("target leakage")

// CheckLeakage rejects a trainable column set that contains a raw target.
func CheckLeakage(columns []string) error {
	forbidden := make(map[string]bool, airquality.NumPollutants)
	for _, n := range airquality.TargetNames() {
		forbidden[n] = true
	}
	for _, c := range columns {
		if forbidden[c] {
			return fmt.Errorf("%w: feature set contains target column %q", ErrLeakage, c)
		}
	}
	return nil
}
