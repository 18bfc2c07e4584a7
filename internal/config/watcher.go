package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] looks at the file.
const DefaultWatchInterval = 5 * time.Second

// ApplyFunc receives the previous and the newly loaded config. It runs on the
// watcher's goroutine, or on the caller's for [Watcher.Reload], and is never
// called concurrently with itself.
type ApplyFunc func(old, next *Config)

// Watcher reloads a config file while the service runs so operators can edit
// the tone set and log level without a restart. Only files that parse and
// validate are handed to the ApplyFunc; a broken edit is logged and the last
// good config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	apply    ApplyFunc

	// reloadMu serialises reloads from the poller and from Reload.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
	modTime time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. The initial load must succeed;
// apply is not called for it.
func NewWatcher(path string, apply ApplyFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.sum, w.modTime = snap.cfg, snap.sum, snap.modTime

	w.wg.Go(w.poll)
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now, regardless of its modification time, and applies
// it when the content changed. It reports whether the ApplyFunc ran. An
// invalid file is returned as an error and leaves the current config alone.
func (w *Watcher) Reload() (bool, error) {
	applied, err := w.reload(true)
	if err != nil {
		return false, fmt.Errorf("config: reload %s: %w", w.path, err)
	}
	return applied, nil
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if _, err := w.reload(false); err != nil {
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		w.mu.Lock()
		unchanged := info.ModTime().Equal(w.modTime)
		w.mu.Unlock()
		if unchanged {
			return false, nil
		}
	}

	snap, err := readSnapshot(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.modTime = snap.modTime
	if snap.sum == w.sum {
		// Touched, not edited.
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.sum = snap.cfg, snap.sum
	w.mu.Unlock()

	slog.Info("config file changed", "path", w.path)
	if w.apply != nil {
		w.apply(old, snap.cfg)
	}
	return true, nil
}

type snapshot struct {
	cfg     *Config
	sum     [sha256.Size]byte
	modTime time.Time
}

// readSnapshot loads and validates path and fingerprints its content.
func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), modTime: info.ModTime()}, nil
}
