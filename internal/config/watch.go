package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config file at path whenever it changes and hands every
// valid, changed result to onChange. Editors often write a file in several
// steps, so events are debounced. The directory is watched rather than the
// file so rename-on-save keeps working. Watch blocks until ctx is done.
//
// Only settings read on each use take effect live; listeners, stores and
// worker counts are fixed at startup.
func Watch(ctx context.Context, path string, current *Config, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		last  = current
		timer *time.Timer
	)
	reload := func() {
		cfg, err := LoadFromEnv(path)
		if err != nil {
			logger.Warn("[Config] reload rejected", "path", path, "error", err)
			return
		}
		mu.Lock()
		unchanged := last != nil && reflect.DeepEqual(*last, *cfg)
		if !unchanged {
			last = cfg
		}
		mu.Unlock()
		if unchanged {
			return
		}
		logger.Info("[Config] reloaded", "path", path)
		onChange(cfg)
	}

	logger.Info("[Config] watching for changes", "path", path)
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("[Config] watcher error", "path", path, "error", err)
		}
	}
}
