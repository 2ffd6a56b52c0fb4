package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultPollInterval = 5 * time.Second

// fileStamp identifies one observed version of the config file.
type fileStamp struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher keeps the most recent valid [Config] read from a file. It polls the
// file's modification time and, when the content changed and still validates,
// swaps the new config in and reports both versions to the change callback.
// A file that fails to load or validate is logged and the previous config
// stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	current atomic.Pointer[Config]

	// reloadMu serialises polls with SIGHUP-triggered reloads.
	reloadMu sync.Mutex
	stamp    fileStamp

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is polled. Non-positive values keep
// the default of 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads and validates the config at path. The returned watcher
// does not poll until [Watcher.Run] is called. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		log:      slog.With("component", "config_watcher", "path", path),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := readStamped(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current.Store(cfg)
	w.stamp = stamp
	return w, nil
}

// Current returns the config most recently accepted by the watcher.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Stop makes a running [Watcher.Run] return. Calling it again is a no-op.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Run polls the file until ctx is done or [Watcher.Stop] is called. The
// returned error is always nil, which lets Run sit in an errgroup next to the
// HTTP server without cancelling it.
func (w *Watcher) Run(ctx context.Context) error {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-tick.C:
			w.poll(false)
		}
	}
}

// Reload re-reads the file immediately, without waiting for its modification
// time to move. It reports whether a changed, valid config was applied.
func (w *Watcher) Reload() bool {
	return w.poll(true)
}

func (w *Watcher) poll(force bool) bool {
	w.reloadMu.Lock()
	if !force && !w.modified() {
		w.reloadMu.Unlock()
		return false
	}

	cfg, stamp, err := readStamped(w.path)
	if err != nil {
		w.reloadMu.Unlock()
		w.log.Warn("config rejected, keeping previous", "err", err)
		return false
	}
	changed := stamp.sum != w.stamp.sum
	w.stamp = stamp
	var old *Config
	if changed {
		old = w.current.Swap(cfg)
	}
	w.reloadMu.Unlock()

	if !changed {
		return false
	}
	w.log.Info("config reloaded")
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}

// modified reports whether the file's modification time differs from the
// last one read. Stat failures are logged and count as unmodified.
func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config stat failed", "err", err)
		return false
	}
	return !info.ModTime().Equal(w.stamp.modTime)
}

// readStamped loads and validates the config at path and returns it with the
// stamp of the bytes it was parsed from.
func readStamped(path string) (*Config, fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
