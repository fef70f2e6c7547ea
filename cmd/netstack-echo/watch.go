// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/Jigsaw-Code/outline-netstack/config"
	"github.com/fsnotify/fsnotify"
)

// watchLogLevel applies the log_level of the config file at path every time the file changes. Other settings only
// take effect on restart. A pinned level, set from the command line, is never changed.
func watchLogLevel(ctx context.Context, path string, level *slog.LevelVar, pinned bool) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files on save, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloadLogLevel(path, level, pinned)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("Config watch failed", "error", err)
			}
		}
	}()
	return w, nil
}

func reloadLogLevel(path string, level *slog.LevelVar, pinned bool) {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Warn("Ignoring invalid config change", "error", err)
		return
	}
	newLevel, err := cfg.Level()
	if err != nil || pinned || newLevel == level.Level() {
		return
	}
	level.Set(newLevel)
	slog.Info("Log level changed", "level", newLevel)
}
