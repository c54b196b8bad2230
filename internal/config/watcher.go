package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// ReloadEvent carries the configuration re-read after a change. Err is set
// when the new file failed to parse or validate; Config is then unusable.
type ReloadEvent struct {
	Path   string
	Config Config
	Err    error
}

// Watcher re-reads config.yaml when it or .env changes in the home
// directory. The directory is watched rather than the files so editors that
// replace the file on save are still seen. Bursts of writes within the
// debounce window produce one reload.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: defaultReloadDebounce,
		events:   make(chan ReloadEvent, 1),
	}
}

// WithDebounce sets the quiet period before a reload.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	if d > 0 {
		w.debounce = d
	}
	return w
}

// Events delivers reloads. Only the latest unread reload is kept.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	watched := map[string]bool{"config.yaml": true, ".env": true}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		timer := time.NewTimer(w.debounce)
		timer.Stop()
		defer timer.Stop()
		var changed string

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !watched[filepath.Base(ev.Name)] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				changed = ev.Name
				timer.Reset(w.debounce)
			case <-timer.C:
				w.publish(w.reload(changed))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(path string) ReloadEvent {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", path, "error", err)
		return ReloadEvent{Path: path, Err: err}
	}
	w.logger.Info("config reloaded", "path", path, "config_fingerprint", cfg.Fingerprint())
	return ReloadEvent{Path: path, Config: cfg}
}

// publish replaces any unread reload with ev.
func (w *Watcher) publish(ev ReloadEvent) {
	select {
	case <-w.events:
	default:
	}
	select {
	case w.events <- ev:
	default:
	}
}
