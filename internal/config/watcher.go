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

// Watcher polls a config file and hands every changed, valid version to a
// callback. An edit that fails validation is logged once and skipped; the
// previous config stays current until the file is fixed.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(prev, next *Config)

	mu      sync.Mutex
	current *Config
	seen    stamp
	applied [sha256.Size]byte

	stop     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// stamp identifies one version of the file on disk.
type stamp struct {
	modTime time.Time
	size    int64
}

func (s stamp) same(o stamp) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil. It runs
// on the watcher goroutine and receives the previous and the new config.
func NewWatcher(path string, onChange func(prev, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen, w.applied = cfg, st, sha256.Sum256(data)

	go w.run()
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.exited
}

func (w *Watcher) run() {
	defer close(w.exited)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.seen.same(stamp{modTime: info.ModTime(), size: info.Size()})
	w.mu.Unlock()
	if unchanged {
		return
	}

	st, data, err := w.read()
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	w.seen = st
	if sum == w.applied {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		slog.Warn("config watcher: invalid config, keeping the previous one", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current, w.applied = cfg, sum
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev, cfg)
	}
}

func (w *Watcher) read() (stamp, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return stamp{}, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return stamp{}, nil, err
	}
	return stamp{modTime: info.ModTime(), size: info.Size()}, data, nil
}
