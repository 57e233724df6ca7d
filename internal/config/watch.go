package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/meridian-hq/meridian/internal/logging"
)

// Watch reloads the config file whenever it changes on disk and invokes
// onChange with the new config. It blocks until ctx is cancelled. A config
// file that fails to parse is ignored; the previous config stays in effect.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if path == "" {
		path = filepath.Join(Default().DataDir, "config.json")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which would
	// drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	log := logging.WithField("component", "config")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload failed: %v", err)
				continue
			}
			log.Info("config reloaded from %s", path)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error: %v", err)
		}
	}
}
