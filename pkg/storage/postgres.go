package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// PostgresStore is the PostgreSQL Store. Run Migrate before first use.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens and verifies a connection pool for dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing pool.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

type measurementRow struct {
	Zone int       `db:"zone"`
	Time time.Time `db:"measured_at"`
	PM25 float64   `db:"pm25"`
	PM10 float64   `db:"pm10"`
	NO2  float64   `db:"no2"`
	SO2  float64   `db:"so2"`
	CO   float64   `db:"co"`
	O3   float64   `db:"o3"`
	airquality.Weather
}

func (r measurementRow) measurement() airquality.Measurement {
	return airquality.Measurement{
		Zone:    airquality.Zone(r.Zone),
		Time:    r.Time.UTC(),
		Values:  airquality.Values{r.PM25, r.PM10, r.NO2, r.SO2, r.CO, r.O3},
		Weather: r.Weather,
	}
}

func toMeasurementRow(m airquality.Measurement) measurementRow {
	v := m.Values
	return measurementRow{
		Zone: int(m.Zone), Time: m.Time,
		PM25: v[0], PM10: v[1], NO2: v[2], SO2: v[3], CO: v[4], O3: v[5],
		Weather: m.Weather,
	}
}

const upsertMeasurement = `
	INSERT INTO measurements (
		zone, measured_at, pm25, pm10, no2, so2, co, o3,
		temperature, humidity, pressure, wind_speed
	) VALUES (
		:zone, :measured_at, :pm25, :pm10, :no2, :so2, :co, :o3,
		:temperature, :humidity, :pressure, :wind_speed
	)
	ON CONFLICT (zone, measured_at) DO UPDATE SET
		pm25 = EXCLUDED.pm25, pm10 = EXCLUDED.pm10, no2 = EXCLUDED.no2,
		so2 = EXCLUDED.so2, co = EXCLUDED.co, o3 = EXCLUDED.o3,
		temperature = EXCLUDED.temperature, humidity = EXCLUDED.humidity,
		pressure = EXCLUDED.pressure, wind_speed = EXCLUDED.wind_speed`

func (s *PostgresStore) InsertMeasurements(ctx context.Context, ms []airquality.Measurement) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range ms {
			if _, err := tx.NamedExecContext(ctx, upsertMeasurement, toMeasurementRow(m)); err != nil {
				return fmt.Errorf("insert measurement: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Measurements(ctx context.Context, zone airquality.Zone, from, to time.Time) ([]airquality.Measurement, error) {
	const query = `
		SELECT zone, measured_at, pm25, pm10, no2, so2, co, o3,
		       temperature, humidity, pressure, wind_speed
		FROM measurements
		WHERE zone = $1 AND measured_at >= $2 AND measured_at < $3
		ORDER BY measured_at`

	var rows []measurementRow
	if err := s.db.SelectContext(ctx, &rows, query, int(zone), from, to); err != nil {
		return nil, fmt.Errorf("select measurements: %w", err)
	}
	out := make([]airquality.Measurement, len(rows))
	for i, r := range rows {
		out[i] = r.measurement()
	}
	return out, nil
}

type forecastRow struct {
	ID          uuid.UUID `db:"id"`
	Zone        int       `db:"zone"`
	Time        time.Time `db:"forecast_for"`
	PM25        float64   `db:"pm25"`
	PM10        float64   `db:"pm10"`
	NO2         float64   `db:"no2"`
	SO2         float64   `db:"so2"`
	CO          float64   `db:"co"`
	O3          float64   `db:"o3"`
	AQI         int       `db:"aqi"`
	Status      int       `db:"status"`
	Dominant    int       `db:"dominant"`
	Confidence  float64   `db:"confidence"`
	GeneratedAt time.Time `db:"generated_at"`
}

func (r forecastRow) forecast() airquality.Forecast {
	return airquality.Forecast{
		ID:          r.ID,
		Zone:        airquality.Zone(r.Zone),
		Time:        r.Time.UTC(),
		Values:      airquality.Values{r.PM25, r.PM10, r.NO2, r.SO2, r.CO, r.O3},
		AQI:         r.AQI,
		Status:      airquality.Status(r.Status),
		Dominant:    airquality.Pollutant(r.Dominant),
		Confidence:  r.Confidence,
		GeneratedAt: r.GeneratedAt.UTC(),
	}
}

func toForecastRow(f airquality.Forecast) forecastRow {
	v := f.Values
	return forecastRow{
		ID: f.ID, Zone: int(f.Zone), Time: f.Time,
		PM25: v[0], PM10: v[1], NO2: v[2], SO2: v[3], CO: v[4], O3: v[5],
		AQI: f.AQI, Status: int(f.Status), Dominant: int(f.Dominant),
		Confidence: f.Confidence, GeneratedAt: f.GeneratedAt,
	}
}

func (s *PostgresStore) ReplaceForecasts(ctx context.Context, zone airquality.Zone, from time.Time, fs []airquality.Forecast) error {
	const insert = `
		INSERT INTO forecasts (
			id, zone, forecast_for, pm25, pm10, no2, so2, co, o3,
			aqi, status, dominant, confidence, generated_at
		) VALUES (
			:id, :zone, :forecast_for, :pm25, :pm10, :no2, :so2, :co, :o3,
			:aqi, :status, :dominant, :confidence, :generated_at
		)`

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM forecasts WHERE zone = $1 AND forecast_for > $2`, int(zone), from); err != nil {
			return fmt.Errorf("delete forecasts: %w", err)
		}
		for _, f := range fs {
			if _, err := tx.NamedExecContext(ctx, insert, toForecastRow(f)); err != nil {
				return fmt.Errorf("insert forecast: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Forecasts(ctx context.Context, zone airquality.Zone, from, to time.Time) ([]airquality.Forecast, error) {
	const query = `
		SELECT id, zone, forecast_for, pm25, pm10, no2, so2, co, o3,
		       aqi, status, dominant, confidence, generated_at
		FROM forecasts
		WHERE zone = $1 AND forecast_for >= $2 AND forecast_for < $3
		ORDER BY forecast_for`

	var rows []forecastRow
	if err := s.db.SelectContext(ctx, &rows, query, int(zone), from, to); err != nil {
		return nil, fmt.Errorf("select forecasts: %w", err)
	}
	out := make([]airquality.Forecast, len(rows))
	for i, r := range rows {
		out[i] = r.forecast()
	}
	return out, nil
}

type feedbackRow struct {
	ID              uuid.UUID       `db:"id"`
	Zone            int             `db:"zone"`
	ForecastID      uuid.UUID       `db:"forecast_id"`
	ForecastFor     time.Time       `db:"forecast_for"`
	Predicted       pq.Float64Array `db:"predicted"`
	Actual          pq.Float64Array `db:"actual"`
	Errors          pq.Float64Array `db:"errors"`
	AvgError        float64         `db:"avg_error"`
	UsedForTraining bool            `db:"used_for_training"`
	CreatedAt       time.Time       `db:"created_at"`
}

func values(a pq.Float64Array) (airquality.Values, error) {
	var v airquality.Values
	if len(a) != len(v) {
		return v, fmt.Errorf("%w: %d values, want %d", airquality.ErrShapeMismatch, len(a), len(v))
	}
	copy(v[:], a)
	return v, nil
}

func (r feedbackRow) feedback() (airquality.Feedback, error) {
	fb := airquality.Feedback{
		ID:              r.ID,
		Zone:            airquality.Zone(r.Zone),
		ForecastID:      r.ForecastID,
		ForecastFor:     r.ForecastFor.UTC(),
		AvgError:        r.AvgError,
		UsedForTraining: r.UsedForTraining,
		CreatedAt:       r.CreatedAt.UTC(),
	}
	var err error
	if fb.Predicted, err = values(r.Predicted); err != nil {
		return fb, err
	}
	if fb.Actual, err = values(r.Actual); err != nil {
		return fb, err
	}
	fb.Errors, err = values(r.Errors)
	return fb, err
}

func (s *PostgresStore) HasFeedback(ctx context.Context, forecastID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM feedback WHERE forecast_id = $1)`, forecastID)
	if err != nil {
		return false, fmt.Errorf("check feedback: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertFeedback(ctx context.Context, fb airquality.Feedback) (bool, error) {
	const query = `
		INSERT INTO feedback (
			id, zone, forecast_id, forecast_for, predicted, actual, errors,
			avg_error, used_for_training, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (forecast_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		fb.ID, int(fb.Zone), fb.ForecastID, fb.ForecastFor,
		pq.Array(fb.Predicted[:]), pq.Array(fb.Actual[:]), pq.Array(fb.Errors[:]),
		fb.AvgError, fb.UsedForTraining, fb.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert feedback: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) UnusedFeedback(ctx context.Context, zone airquality.Zone, limit int) ([]airquality.Feedback, error) {
	query := `
		SELECT id, zone, forecast_id, forecast_for, predicted, actual, errors,
		       avg_error, used_for_training, created_at
		FROM feedback
		WHERE zone = $1 AND NOT used_for_training
		ORDER BY forecast_for`
	args := []any{int(zone)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []feedbackRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select feedback: %w", err)
	}
	out := make([]airquality.Feedback, 0, len(rows))
	for _, r := range rows {
		fb, err := r.feedback()
		if err != nil {
			return nil, fmt.Errorf("feedback %s: %w", r.ID, err)
		}
		out = append(out, fb)
	}
	return out, nil
}

func (s *PostgresStore) CountUnused(ctx context.Context, zone airquality.Zone) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM feedback WHERE zone = $1 AND NOT used_for_training`, int(zone))
	if err != nil {
		return 0, fmt.Errorf("count feedback: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) MarkUsed(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback SET used_for_training = TRUE WHERE id = ANY($1::uuid[]) AND NOT used_for_training`,
		pq.Array(strs),
	)
	if err != nil {
		return 0, fmt.Errorf("mark feedback used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark feedback used: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, context.Canceled) {
				err = errors.Join(err, rbErr)
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
