package tiers

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the catalog file into r whenever it changes, until ctx is
// done. An invalid file is logged and the previous catalog stays active.
func Watch(ctx context.Context, path string, r *Resolver) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				time.Sleep(reloadDebounce)
				reload(path, r)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Tier catalog watcher error")

			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Str("path", path).Msg("Watching tier catalog for changes")
	return nil
}

func reload(path string, r *Resolver) {
	catalog, err := LoadFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Tier catalog reload failed; keeping previous catalog")
		return
	}
	r.Swap(catalog)
	log.Info().Str("path", path).Strs("tiers", catalog.TierNames()).Msg("Tier catalog reloaded")
}
