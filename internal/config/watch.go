package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow absorbs the burst of write events editors emit when
// saving a file.
const debounceWindow = 250 * time.Millisecond

// Watch reloads the configuration whenever the file at path changes and
// hands each valid result to apply. A reload that fails to parse or
// validate is logged and skipped; the previous configuration stays live.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &ConfigError{Op: "watch", Err: err}
	}
	defer watcher.Close()

	// Watch the directory rather than the file: editors that rename a
	// temp file into place would otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return &ConfigError{Op: "watch", Err: err}
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Error("config reload failed, keeping previous configuration",
					"path", path, "error", err)
				continue
			}
			logger.Info("configuration reloaded", "path", path, "models", len(cfg.Models))
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
