package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and invokes onReload with the new
// config. Reloads that produce an identical fingerprint are dropped. Editors
// often replace the file (rename + create), so the parent directory is
// watched rather than the file itself. Blocks until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	last := ""
	if cfg, err := Load(path); err == nil {
		last = cfg.Fingerprint()
	}

	// Debounce: editors fire several events per save.
	var pending *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Warn("config reload failed", "path", path, "error", err)
			return
		}
		fp := cfg.Fingerprint()
		if fp == last {
			return
		}
		last = fp
		log.Info("config reloaded", "path", path)
		onReload(cfg)
	}

	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(strings.TrimSuffix(ev.Name, "~")) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}
