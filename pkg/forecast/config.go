package forecast

import (
	"fmt"

	"github.com/khrystyna-dutka/Masterwork/pkg/models"
)

// ModelFactory returns an untrained model of the given family.
type ModelFactory func(kind models.Kind) (models.Model, error)

// Config tunes the forecast service.
type Config struct {
	// Kind is the family served by zones that have no active model recorded.
	Kind models.Kind
	// HistoryHours is how far back Forecast reads measurements. It must
	// cover the model lookback.
	HistoryHours int
	// TrainDays is the default window of a training request.
	TrainDays int
	// Epochs overrides the model's own training budget (epochs, or boosting
	// rounds) when positive.
	Epochs int
	// TrainFraction is the chronological train share; the rest validates.
	TrainFraction float64
	// MinTrainRows is the number of rows beyond the lookback a training
	// run needs.
	MinTrainRows int
	Seed         uint64
	// NewModel builds models; nil uses the package defaults.
	NewModel ModelFactory
}

// DefaultConfig mirrors the production settings.
func DefaultConfig() Config {
	return Config{
		Kind:          models.KindRecurrent,
		HistoryHours:  72,
		TrainDays:     30,
		TrainFraction: 0.8,
		MinTrainRows:  50,
		Seed:          42,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Kind == "" {
		c.Kind = d.Kind
	}
	if c.HistoryHours <= 0 {
		c.HistoryHours = d.HistoryHours
	}
	if c.TrainDays <= 0 {
		c.TrainDays = d.TrainDays
	}
	if c.TrainFraction <= 0 || c.TrainFraction >= 1 {
		c.TrainFraction = d.TrainFraction
	}
	if c.MinTrainRows <= 0 {
		c.MinTrainRows = d.MinTrainRows
	}
	if c.NewModel == nil {
		seed := c.Seed
		c.NewModel = func(kind models.Kind) (models.Model, error) { return models.New(kind, seed) }
	}
	return c
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	if _, err := models.ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.TrainFraction <= 0 || c.TrainFraction >= 1 {
		return fmt.Errorf("train fraction must be in (0,1), got %v", c.TrainFraction)
	}
	return nil
}
