// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tenants

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the registry whenever its file changes, until ctx is done
// or Stop is called. The parent directory is watched so that atomic
// rename-on-save is picked up.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create registry watcher: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go r.watchLoop(ctx, watcher)
	slog.Info("Watching tenant registry for changes", "path", r.path)
	return nil
}

// Stop ends a running Watch.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(r.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				slog.Error("Tenant registry reload failed, keeping previous version", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Tenant registry watcher error", "error", err)
		}
	}
}
