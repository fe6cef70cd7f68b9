package main

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openshaper/shaperd/pkg/facade"
	"github.com/openshaper/shaperd/pkg/log"
)

// watchModelFiles reloads the model when the topology or device table
// changes on disk. Editors replace files with rename+create, so the
// watch covers the containing directories and filters by name. Writes
// arrive in bursts; a short debounce coalesces them into one reload.
func watchModelFiles(f *facade.Facade, stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Logger.Error().Err(err).Msg("cannot watch model files, reload-on-change disabled")
		return
	}
	defer watcher.Close()

	watched := map[string]struct{}{
		filepath.Clean(f.Cfg.NetworkJsonPath):   {},
		filepath.Clean(f.Cfg.ShapedDevicesPath): {},
	}
	dirs := map[string]struct{}{}
	for path := range watched {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			log.Logger.Warn().Str("dir", dir).Err(err).Msg("cannot watch directory")
		}
	}

	const debounce = 2 * time.Second
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if _, relevant := watched[filepath.Clean(event.Name)]; !relevant {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounce)
			} else {
				pending.Reset(debounce)
			}
			pendingC = pending.C
		case <-pendingC:
			pendingC = nil
			log.Logger.Info().Msg("model files changed on disk, reloading")
			if err := f.Reload(); err != nil {
				log.Logger.Error().Err(err).Msg("reload after file change failed, previous model stays active")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Logger.Warn().Err(err).Msg("model file watcher error")
		}
	}
}
