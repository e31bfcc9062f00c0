package config

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often the config file is polled.
const DefaultWatchInterval = 2 * time.Second

// Watcher polls a config file and calls onChange when its modification time
// or size changes. It does not parse the file.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func(path string)

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	lastMod time.Time
	size    int64
}

// NewWatcher creates a config file watcher that polls for changes.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func(path string)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start records the current file state and begins polling in a goroutine.
func (w *Watcher) Start() {
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
		w.size = info.Size()
	}

	go w.poll()
	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)
}

// Stop stops the watcher and waits for the polling goroutine. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		<-w.done
		w.logger.Info("config watcher stopped")
	})
}

func (w *Watcher) poll() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("cannot stat config file", "path", w.path, "error", err)
		return
	}

	if info.ModTime().Equal(w.lastMod) && info.Size() == w.size {
		return
	}
	w.lastMod = info.ModTime()
	w.size = info.Size()
	w.logger.Info("config file changed", "path", w.path, "modTime", w.lastMod)
	if w.onChange != nil {
		w.onChange(w.path)
	}
}
