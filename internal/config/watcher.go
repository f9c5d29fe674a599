package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// ReloadFunc receives the previous and the freshly loaded config. It runs on
// the watcher goroutine and may call [Watcher.Current].
type ReloadFunc func(old, new *Config)

// ReloadStatus describes the watched file as last seen.
type ReloadStatus struct {
	// Digest is the hex SHA-256 of the file the current config came from.
	Digest   string
	LoadedAt time.Time
	// Rejected holds the error of the last reload that was refused. A later
	// successful reload clears it.
	Rejected error
}

// Watcher reloads a config file when its content changes. Only valid files
// replace the current config; a broken edit is logged and kept in
// [ReloadStatus] until the file is fixed. The parent directory is watched so
// editors that save by renaming a temp file are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	trigger  chan struct{}

	mu       sync.Mutex
	current  *Config
	digest   [sha256.Size]byte
	loadedAt time.Time
	rejected error
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for file events to settle
// before reading the file. Default: 200ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher loads the file at path once and returns a watcher for it.
// Nothing is watched until [Watcher.Run] is called.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	w := &Watcher{
		path:     abs,
		debounce: defaultDebounce,
		onReload: onReload,
		trigger:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	w.current, w.digest, w.loadedAt = cfg, sum, time.Now()
	return w, nil
}

// Current returns the config of the last successful load.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Status reports the state of the last load attempt.
func (w *Watcher) Status() ReloadStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ReloadStatus{
		Digest:   hex.EncodeToString(w.digest[:]),
		LoadedAt: w.loadedAt,
		Rejected: w.rejected,
	}
}

// Trigger asks a running watcher to re-read the file now, e.g. on SIGHUP.
// Requests made while one is pending are merged.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run watches the file until ctx is done. It returns nil on cancellation
// and an error only if watching could not start or the event stream broke.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer fsw.Close()
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("config: watch %q: %w", dir, err)
	}

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("config: watch %q: event stream closed", dir)
			}
			if filepath.Clean(ev.Name) == w.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("config: watch %q: error stream closed", dir)
			}
			slog.Warn("config: watch error", "path", w.path, "err", err)
		case <-w.trigger:
			w.reload()
		case <-settle.C:
			w.reload()
		}
	}
}

// reload reads the file and hands a changed, valid config to onReload.
func (w *Watcher) reload() {
	cfg, sum, err := w.read()
	if err != nil {
		w.mu.Lock()
		w.rejected = err
		w.mu.Unlock()
		slog.Error("config: reload rejected, keeping current config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.rejected = nil
	if sum == w.digest {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.digest, w.loadedAt = cfg, sum, time.Now()
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path, "digest", hex.EncodeToString(sum[:8]))
	if w.onReload != nil {
		w.onReload(old, cfg)
	}
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("%s: %w", filepath.Base(w.path), err)
	}
	return cfg, sha256.Sum256(data), nil
}
