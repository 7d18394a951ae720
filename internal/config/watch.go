package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/leedenison/portfoliodb/internal/models"
)

// WatchPrecedence re-reads config.toml whenever it changes on disk and hands
// the new precedence entries to publish. Invalid edits are logged and ignored so
// the running chain keeps its last good snapshot.
func WatchPrecedence(configDir string, logger zerolog.Logger, publish func([]models.PrecedenceEntry) error) error {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	v := newViper(configDir, "config")
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg struct {
			Precedence []models.PrecedenceEntry `mapstructure:"precedence"`
		}
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring unreadable precedence change")
			return
		}
		if err := ValidatePrecedence(cfg.Precedence); err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid precedence change")
			return
		}
		if err := publish(cfg.Precedence); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish precedence change")
			return
		}
		logger.Info().Int("resolvers", len(cfg.Precedence)).Msg("Precedence reloaded from config")
	})
	v.WatchConfig()
	return nil
}
