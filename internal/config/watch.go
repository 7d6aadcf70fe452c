package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch watches the directory containing the config file and requests an
// immediate ReloadIfChanged on every write or create event for the config
// file. The 30s wall-clock gate
// inside ReloadIfChanged still applies, so a burst of filesystem events
// cannot bypass the throttle — this only shortens the
// detection latency below the ticker's own cadence.
func (s *Store) Watch(stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config: failed to create fsnotify watcher", slog.String("error", err.Error()))
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("config: failed to watch config directory", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}

	base := filepath.Base(s.path)
	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := s.ReloadIfChanged(time.Now()); err != nil {
				slog.Error("config: reload failed", slog.String("error", err.Error()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", slog.String("error", err.Error()))
		}
	}
}

// Ticker runs ReloadIfChanged on a fixed interval (default well under the
// 30s gate) as a fallback to fsnotify — it is the gate inside
// ReloadIfChanged, not this interval, that determines actual reload
// cadence.
func (s *Store) Ticker(stop <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			if _, err := s.ReloadIfChanged(now); err != nil {
				slog.Error("config: reload failed", slog.String("error", err.Error()))
			}
		}
	}
}
