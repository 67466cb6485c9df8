package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and
// hands each successfully loaded Config to the onChange callback. A
// reload that fails to parse or validate is logged and dropped, so the
// running configuration never regresses to a broken file.
type Watcher struct {
	path     string
	base     string
	fsw      *fsnotify.Watcher
	onChange func(Config)
	debounce time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher prepares a watcher for the config file at path. The parent
// directory is watched rather than the file itself, so editors that save
// by rename-and-replace still trigger a reload.
func NewWatcher(path string, onChange func(Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		base:     filepath.Base(abs),
		fsw:      fsw,
		onChange: onChange,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}, nil
}

// Start begins delivering reloads. The loop exits when the context is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	// Bursts of events for one save collapse into a single reload.
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload rejected, keeping previous configuration",
			"path", w.path,
			"error", err,
		)
		return
	}
	slog.Info("configuration reloaded", "path", w.path)
	w.onChange(cfg)
}
