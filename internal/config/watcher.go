package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/mission-control/internal/risk"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml. It watches the home directory
// so editors that replace the file by rename are still seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

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
	target := ConfigPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
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

// LimitSetter receives reloaded risk limits.
type LimitSetter interface {
	SetLimits(ctx context.Context, l risk.Limits, actor string) error
}

// ApplyReloads re-reads config.yaml on every watcher event and pushes the
// risk limits to target. A file that fails to parse or validate is logged
// and the previous limits stay in force. Bursts of events within debounce
// collapse into one reload. onReload, when set, receives each config
// that was applied.
func ApplyReloads(ctx context.Context, w *Watcher, target LimitSetter, debounce time.Duration, onReload func(Config)) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			cfg, err := LoadFile(w.homeDir)
			if err != nil {
				w.logger.Error("config reload rejected", "error", err)
				continue
			}
			if err := target.SetLimits(ctx, cfg.Risk.Limits, "config.reload"); err != nil {
				w.logger.Error("risk limits reload rejected", "error", err)
				continue
			}
			w.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}
