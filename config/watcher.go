package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/b0bbywan/go-odio-portal/logger"
)

// Watch monitors the loaded config file and calls notify with a freshly built
// Config whenever it changes. If no config file was found at startup there is
// nothing to watch and Watch returns nil immediately.
//
// The containing directory is watched rather than the file itself so that
// editors which replace the file (rename + create) keep being observed.
func Watch(ctx context.Context, notify func(*Config)) error {
	file := viper.ConfigFileUsed()
	if file == "" {
		logger.Debug("[config] no config file in use, watcher not started")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(filepath.Dir(file)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Warn("[config] failed to close watcher: %v", closeErr)
		}
		return err
	}

	logger.Info("[config] watching %s", file)
	go listen(ctx, watcher, file, notify)
	return nil
}

func listen(ctx context.Context, watcher *fsnotify.Watcher, file string, notify func(*Config)) {
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Warn("[config] failed to close watcher: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			reload(notify)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("[config] watcher error: %v", err)
		}
	}
}

func reload(notify func(*Config)) {
	if err := viper.ReadInConfig(); err != nil {
		logger.Error("[config] reload failed: %v", err)
		return
	}
	cfg, err := fromViper()
	if err != nil {
		logger.Error("[config] reload rejected: %v", err)
		return
	}
	logger.Info("[config] configuration reloaded")
	notify(cfg)
}
