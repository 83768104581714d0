package config

import (
	"context"
	"path/filepath"

	"github.com/soyeahso/switchboard/internal/fswatch"
	"github.com/soyeahso/switchboard/internal/logging"
)

// Watch reloads the config file whenever it changes and hands each valid
// result to onChange. Invalid edits are logged and ignored so a typo never
// replaces a working configuration.
func Watch(ctx context.Context, path string, log *logging.Logger, onChange func(Config)) error {
	log = log.Sub("config")
	base := filepath.Base(path)
	return fswatch.Watch(ctx, fswatch.Options{
		Paths: []string{filepath.Dir(path)},
		Match: func(name string) bool { return filepath.Base(name) == base },
		Log:   log,
	}, func() {
		cfg, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload failed")
			return
		}
		if issues := Validate(&cfg); len(issues) > 0 {
			for _, issue := range issues {
				log.Warn().Str("path", issue.Path).Msg(issue.Message)
			}
			log.Warn().Int("issues", len(issues)).Msg("config reload rejected")
			return
		}
		log.Info().Str("path", path).Msg("config reloaded")
		onChange(cfg)
	})
}
