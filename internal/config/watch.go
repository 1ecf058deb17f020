package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"smartarb-advisor/internal/models"
)

// WatchThresholds re-reads the [emergency] section whenever config.toml
// changes on disk and hands valid thresholds to onChange. Invalid edits are
// logged and ignored so the running thresholds stay in effect.
func WatchThresholds(configDir string, logger zerolog.Logger, onChange func(models.EmergencyThresholds)) error {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v, err := newViper(configDir, "config")
	if err != nil {
		return fmt.Errorf("watching config.toml: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		t, err := thresholdsFrom(v)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid emergency thresholds")
			return
		}
		logger.Info().
			Str("file", e.Name).
			Float64("low_success_rate_pct", t.LowSuccessRatePct).
			Float64("high_drawdown_abs", t.HighDrawdownAbs).
			Float64("max_execution_latency_ms", t.MaxExecutionLatencyMs).
			Int("failed_trade_streak", t.FailedTradeStreak).
			Msg("Emergency thresholds reloaded")
		onChange(t)
	})
	v.WatchConfig()

	return nil
}

func thresholdsFrom(v *viper.Viper) (models.EmergencyThresholds, error) {
	var ec EmergencyConfig
	if err := v.UnmarshalKey("emergency", &ec); err != nil {
		return models.EmergencyThresholds{}, err
	}
	t := ec.Thresholds()
	if err := t.Validate(); err != nil {
		return models.EmergencyThresholds{}, err
	}
	return t, nil
}
