package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reload describes a configuration change that passed validation.
type Reload struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// Watcher keeps the running configuration in step with its file. Edits that
// fail to parse or validate are logged and the current configuration stays.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(Reload)

	// reloadMu serialises Reload; mu guards current and digest.
	reloadMu sync.Mutex
	mu       sync.Mutex
	current  *Config
	digest   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before it is re-read.
// Editors often write a file in several steps. The default is 250ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher loads the configuration at path. onReload runs after every
// applied change, outside the watcher's locks. Watching starts with
// [Watcher.Run].
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		onReload: onReload,
	}
	for _, o := range opts {
		o(w)
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.digest = sha256.Sum256(data)
	return w, nil
}

// Current returns the configuration most recently applied.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the file's directory until ctx is done and reloads once writes
// to the file settle. Watching the directory follows editors and config
// management tools that replace the file by renaming over it.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}
	slog.Debug("watching config file", "path", w.path)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			settle = time.After(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "path", w.path, "err", err)
		case <-settle:
			settle = nil
			if _, err := w.Reload(); err != nil {
				slog.Warn("config change rejected, keeping current config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload re-reads the file now. A file whose bytes did not change is a
// no-op and yields an empty diff. On error the current config is kept.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return ConfigDiff{}, err
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	unchanged := sum == w.digest
	w.mu.Unlock()
	if unchanged {
		return ConfigDiff{}, nil
	}

	next, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	old := w.current
	w.current = next
	w.digest = sum
	w.mu.Unlock()

	d := Diff(old, next)
	slog.Info("configuration reloaded",
		"path", w.path,
		"characters_changed", d.CharactersChanged,
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(Reload{Old: old, New: next, Diff: d})
	}
	return d, nil
}
