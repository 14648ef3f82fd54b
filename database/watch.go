/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// ApplyKnobs copies the mutable settings of from onto the repository config
// and resizes the pool. Fixed settings such as the URL are left alone.
func (r *Repository) ApplyKnobs(from *Config) error {
	if from.Alias != r.cfg.Alias {
		return fmt.Errorf("config for %q cannot be applied to repository %q", from.Alias, r.cfg.Alias)
	}
	if err := r.cfg.SetTxType(from.TxType()); err != nil {
		return err
	}
	r.cfg.SetLazyLoad(from.LazyLoad())
	if err := r.cfg.SetPoolBounds(from.PoolBounds()); err != nil {
		return err
	}
	r.ApplyPoolBounds()
	return nil
}

// WatchConfig reloads path whenever it changes and applies the entry for
// this repository's alias with ApplyKnobs. It returns once the watcher is
// running; watching stops when ctx is done or the repository is destroyed.
func (r *Repository) WatchConfig(ctx context.Context, path string) error {
	if r.Closed() {
		return &RepositoryClosedError{Alias: r.cfg.Alias}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.stopWatch != nil {
		r.stopWatch()
	}
	r.stopWatch = cancel
	r.mu.Unlock()

	go r.watchLoop(wctx, watcher, path)
	r.logger.Info("watching config", "repository", r.cfg.Alias, "path", path)
	return nil
}

func (r *Repository) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()

	name := filepath.Base(path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() { r.reload(path) })
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("config watcher error", "repository", r.cfg.Alias, "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Repository) reload(path string) {
	if r.Closed() {
		return
	}
	configs, err := LoadConfigs(path)
	if err != nil {
		r.logger.Error("config reload failed", "repository", r.cfg.Alias, "path", path, "error", err)
		return
	}
	for _, c := range configs {
		if c.Alias != r.cfg.Alias {
			continue
		}
		if err := r.ApplyKnobs(c); err != nil {
			r.logger.Error("config reload rejected", "repository", r.cfg.Alias, "error", err)
			return
		}
		r.logger.Info("config reloaded", "repository", r.cfg.Alias, "config", r.cfg.String())
		return
	}
	r.logger.Warn("config reload found no entry", "repository", r.cfg.Alias, "path", path)
}
