package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settle gives a syncing app time to finish writing the file.
const settle = 500 * time.Millisecond

// WatchPhotos calls fn for every image file created in dir until ctx ends.
func WatchPhotos(ctx context.Context, dir string, logger *zap.Logger, fn func(path string)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("photo watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 || !IsImageFile(evt.Name) {
					continue
				}
				logger.Debug("photo dropped", zap.String("path", evt.Name))
				path := evt.Name
				time.AfterFunc(settle, func() {
					if ctx.Err() == nil {
						fn(path)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("photo watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
