// Package models builds the forecaster's model factory from configuration.
package models

import (
	"fmt"
	"log/slog"

	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/config"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
)

// NewFactory returns a factory that creates untrained models of either
// family with the configured hyper-parameters and seed.
func NewFactory(cfg *config.Config, logger *slog.Logger) forecast.ModelFactory {
	rc, bc := cfg.Recurrent, cfg.Boosted
	rc.Seed, bc.Seed = cfg.Seed, cfg.Seed
	logger.Info("model hyper-parameters",
		"lstm_sequence", rc.SequenceLength,
		"lstm_units", []int{rc.Hidden1, rc.Hidden2, rc.Dense},
		"xgboost_estimators", bc.Estimators,
		"xgboost_depth", bc.MaxDepth,
	)
	return func(kind models.Kind) (models.Model, error) {
		switch kind {
		case models.KindRecurrent:
			return models.NewRecurrent(rc), nil
		case models.KindBoosted:
			return models.NewBoosted(bc), nil
		}
		return nil, fmt.Errorf("unknown model type %q", kind)
	}
}

// ServiceConfig maps the forecaster configuration onto forecast.Config.
func ServiceConfig(cfg *config.Config, logger *slog.Logger) forecast.Config {
	fc := forecast.DefaultConfig()
	fc.Kind = models.Kind(cfg.Model)
	fc.HistoryHours = cfg.HistoryHours
	fc.TrainDays = cfg.TrainDays
	fc.Epochs = cfg.Epochs
	fc.Seed = cfg.Seed
	fc.NewModel = NewFactory(cfg, logger)
	return fc
}
