package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay lets editors finish writing before the file is re-read.
const reloadDelay = 50 * time.Millisecond

// Watch re-loads path whenever it changes and sends each valid result on the
// returned channel. Invalid intermediate states are passed to onError and
// skipped. The channel closes when ctx is cancelled.
func Watch(ctx context.Context, path string, onError func(error)) (<-chan *File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// The directory is watched so rename-based saves are still seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	ch := make(chan *File, 1)

	go func() {
		defer watcher.Close()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				time.Sleep(reloadDelay)

				f, err := Load(abs)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}

				select {
				case ch <- f:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return ch, nil
}
