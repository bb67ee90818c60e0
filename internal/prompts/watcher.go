package prompts

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 300 * time.Millisecond

// Watch reloads the store whenever its file changes until ctx is done. It
// watches the parent directory so editors that replace the file are handled.
func (s *Store) Watch(ctx context.Context, logger zerolog.Logger) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		target := filepath.Clean(s.path)

		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := s.Reload(); err != nil {
						logger.Error().Err(err).Str("path", s.path).Msg("Prompt catalogue reload failed, keeping previous version")
						return
					}
					logger.Info().Str("path", s.path).Msg("Prompt catalogue reloaded")
				})
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("Prompt watcher error")
			}
		}
	}()

	return nil
}
