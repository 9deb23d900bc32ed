package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the configuration at path whenever the file is written or
// replaced, debounced by delay, and passes every valid result to onChange.
// Invalid configurations are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, delay time.Duration, logger zerolog.Logger, onChange func(*Config) error) error {
	logger = logger.With().Str("component", "config-watcher").Str("path", path).Logger()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files; watch the directory and filter by name.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(delay)

		case <-timer.C:
			cfg, err := Load(abs)
			if err == nil {
				err = onChange(cfg)
			}
			if err != nil {
				logger.Error().Err(err).Msg("Failed to reload config")
				continue
			}
			logger.Info().Int("rules", len(cfg.Rules)).Msg("Config reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
