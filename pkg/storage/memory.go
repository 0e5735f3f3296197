package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu           sync.RWMutex
	measurements map[airquality.Zone]map[int64]airquality.Measurement
	forecasts    map[airquality.Zone][]airquality.Forecast
	feedback     map[uuid.UUID]*airquality.Feedback
	byForecast   map[uuid.UUID]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		measurements: make(map[airquality.Zone]map[int64]airquality.Measurement),
		forecasts:    make(map[airquality.Zone][]airquality.Forecast),
		feedback:     make(map[uuid.UUID]*airquality.Feedback),
		byForecast:   make(map[uuid.UUID]uuid.UUID),
	}
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func (m *MemoryStore) InsertMeasurements(_ context.Context, ms []airquality.Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range ms {
		zone := m.measurements[x.Zone]
		if zone == nil {
			zone = make(map[int64]airquality.Measurement)
			m.measurements[x.Zone] = zone
		}
		zone[x.Time.Unix()] = x
	}
	return nil
}

func (m *MemoryStore) Measurements(_ context.Context, zone airquality.Zone, from, to time.Time) ([]airquality.Measurement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []airquality.Measurement
	for _, x := range m.measurements[zone] {
		if inRange(x.Time, from, to) {
			out = append(out, x)
		}
	}
	slices.SortFunc(out, func(a, b airquality.Measurement) int { return a.Time.Compare(b.Time) })
	return out, nil
}

func (m *MemoryStore) ReplaceForecasts(_ context.Context, zone airquality.Zone, from time.Time, fs []airquality.Forecast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]airquality.Forecast, 0, len(m.forecasts[zone])+len(fs))
	for _, f := range m.forecasts[zone] {
		if !f.Time.After(from) {
			kept = append(kept, f)
		}
	}
	m.forecasts[zone] = append(kept, fs...)
	return nil
}

func (m *MemoryStore) Forecasts(_ context.Context, zone airquality.Zone, from, to time.Time) ([]airquality.Forecast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []airquality.Forecast
	for _, f := range m.forecasts[zone] {
		if inRange(f.Time, from, to) {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b airquality.Forecast) int { return a.Time.Compare(b.Time) })
	return out, nil
}

func (m *MemoryStore) HasFeedback(_ context.Context, forecastID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byForecast[forecastID]
	return ok, nil
}

func (m *MemoryStore) InsertFeedback(_ context.Context, fb airquality.Feedback) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byForecast[fb.ForecastID]; ok {
		return false, nil
	}
	m.feedback[fb.ID] = &fb
	m.byForecast[fb.ForecastID] = fb.ID
	return true, nil
}

func (m *MemoryStore) UnusedFeedback(_ context.Context, zone airquality.Zone, limit int) ([]airquality.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []airquality.Feedback
	for _, fb := range m.feedback {
		if fb.Zone == zone && !fb.UsedForTraining {
			out = append(out, *fb)
		}
	}
	slices.SortFunc(out, func(a, b airquality.Feedback) int { return a.ForecastFor.Compare(b.ForecastFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountUnused(_ context.Context, zone airquality.Zone) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, fb := range m.feedback {
		if fb.Zone == zone && !fb.UsedForTraining {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkUsed(_ context.Context, ids []uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if fb, ok := m.feedback[id]; ok && !fb.UsedForTraining {
			fb.UsedForTraining = true
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
