package validator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the policy at path whenever it changes, until ctx is done.
// The parent directory is watched so editors that replace the file are
// picked up. A policy that fails to parse is logged and the previous one
// stays active.
func (v *Validator) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving policy path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go v.watchLoop(ctx, w, abs, logger)
	return nil
}

func (v *Validator) watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, logger *slog.Logger) {
	defer w.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDebounce)
			fire = timer.C

		case <-fire:
			fire = nil
			p, err := LoadPolicy(path)
			if err != nil {
				logger.Error("validator: reload policy", "path", path, "error", err)
				continue
			}
			v.SetPolicy(p)
			logger.Info("validator: policy reloaded", "path", path, "deny_rules", len(p.Deny), "deny_commands", len(p.DenyCommands))

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("validator: watcher error", "error", err)
		}
	}
}
