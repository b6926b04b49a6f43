package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Reload carries a freshly loaded config, or the error that kept it from
// loading. On error the caller keeps its current settings.
type Reload struct {
	Path   string
	Config Config
	Err    error
}

// Watcher turns edits of config.yaml into Reloads. Bursts of filesystem
// events are collapsed and saves that leave the bytes unchanged are dropped.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	reloads  chan Reload
	lastSum  [sha256.Size]byte
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: defaultDebounce,
		reloads:  make(chan Reload, 4),
	}
	w.lastSum, _ = w.checksum()
	return w
}

// SetDebounce changes the quiet period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Reloads is closed when the watcher stops.
func (w *Watcher) Reloads() <-chan Reload {
	return w.reloads
}

// Start watches the home directory rather than the file so editors that save
// by rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.reloads)

	target := ConfigPath(w.homeDir)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Name == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case <-timer.C:
			sum, err := w.checksum()
			if err == nil && sum == w.lastSum {
				w.logger.Debug("config.yaml touched without changes")
				continue
			}
			w.lastSum = sum
			cfg, err := LoadFrom(w.homeDir)
			w.logger.Info("config file changed", "path", target, "valid", err == nil)
			select {
			case w.reloads <- Reload{Path: target, Config: cfg, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Watcher) checksum() ([sha256.Size]byte, error) {
	data, err := os.ReadFile(ConfigPath(w.homeDir))
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}
