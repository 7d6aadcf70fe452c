/*
Package config реализует Config Store: загрузку и валидацию config.yaml,
хранение текущего неизменяемого Snapshot, и троттлированный hot-reload
без блокировок на пути чтения.
*/
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store holds the current validated Snapshot and reloads it from disk.
// Current is lock-free; ReloadIfChanged serializes concurrent reloaders.
type Store struct {
	path string

	snap atomic.Pointer[Snapshot]

	reloadMu            sync.Mutex
	lastAppliedModTime  time.Time
	lastReloadWallClock time.Time

	subMu       sync.Mutex
	subscribers []func(*Snapshot)
}

// NewStore loads path once, validates it, and returns a Store seeded with
// the resulting Snapshot. A startup-invalid config is a fatal error (the
// process has nothing to serve); subsequent reload failures instead keep
// the previous Snapshot in effect.
func NewStore(path string) (*Store, error) {
	_ = godotenv.Load(".env") // optional local overlay, missing file is not an error

	s := &Store{path: path}

	raw, modTime, err := readAndParse(path)
	if err != nil {
		return nil, err
	}
	loadDefaultValues(raw)
	snap, err := Validate(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid initial config: %w", err)
	}
	snap.sourceModTime = modTime

	s.snap.Store(snap)
	s.lastAppliedModTime = modTime
	s.lastReloadWallClock = time.Now()
	return s, nil
}

// Current returns the active Snapshot. Safe for concurrent use; never
// blocks on the reload path.
func (s *Store) Current() *Snapshot {
	return s.snap.Load()
}

// Subscribe registers a callback invoked (in its own goroutine) whenever
// ReloadIfChanged successfully publishes a new Snapshot.
func (s *Store) Subscribe(callback func(*Snapshot)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, callback)
}

// ReloadIfChanged stats the config file and, if it changed, parses,
// validates, and publishes a new Snapshot.
// The 30s gate is wall-clock (time.Now()), not a tick counter: calling
// this more often than every 30s is a no-op until 30s have actually
// elapsed since the last check that ran.
func (s *Store) ReloadIfChanged(now time.Time) (bool, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if now.Sub(s.lastReloadWallClock) < 30*time.Second {
		return false, nil
	}
	s.lastReloadWallClock = now

	info, err := os.Stat(s.path)
	if err != nil {
		return false, fmt.Errorf("stat config: %w", err)
	}
	if !info.ModTime().After(s.lastAppliedModTime) {
		return false, nil
	}

	raw, modTime, err := readAndParse(s.path)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	loadDefaultValues(raw)
	snap, err := Validate(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	snap.sourceModTime = modTime

	s.lastAppliedModTime = modTime
	s.snap.Store(snap)

	s.subMu.Lock()
	subs := append([]func(*Snapshot){}, s.subscribers...)
	s.subMu.Unlock()
	for _, sub := range subs {
		go sub(snap)
	}
	return true, nil
}

func readAndParse(path string) (*rawFile, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	warnUnknownKeys(data)
	return &raw, info.ModTime(), nil
}

var knownTopLevelKeys = map[string]bool{
	"cache_ttl":      true,
	"rpc_endpoints":  true,
	"health_monitor": true,
	"relay":          true,
	"rate_limit":     true,
	"log_level":      true,
}

// warnUnknownKeys logs top-level keys the relay does not recognize; they
// are ignored, never a reason to reject the file.
func warnUnknownKeys(data []byte) {
	var all map[string]interface{}
	if err := yaml.Unmarshal(data, &all); err != nil {
		return
	}
	for k := range all {
		if !knownTopLevelKeys[k] {
			slog.Warn("config: ignoring unknown key", slog.String("key", k))
		}
	}
}
