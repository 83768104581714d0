// Package fswatch runs a debounced callback when files under a set of
// paths change.
package fswatch

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/soyeahso/switchboard/internal/logging"
)

// DefaultDebounce collapses editor save bursts into one callback.
const DefaultDebounce = 250 * time.Millisecond

// Options configures a Watch call.
type Options struct {
	// Paths are files or directories to watch. Directories are watched
	// non-recursively.
	Paths []string
	// Match filters event names; nil accepts everything.
	Match    func(name string) bool
	Debounce time.Duration
	Log      *logging.Logger
}

// Watch starts watching and calls onChange after each debounced burst of
// create, write, remove or rename events. It returns once the watcher is
// set up; the loop ends when ctx is done.
func Watch(ctx context.Context, opts Options, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, p := range opts.Paths {
		if err := w.Add(p); err != nil {
			w.Close()
			return err
		}
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	go func() {
		defer w.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		schedule := func() {
			mu.Lock()
			defer mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if ctx.Err() == nil {
					onChange()
				}
			})
		}

		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if opts.Match != nil && !opts.Match(event.Name) {
					continue
				}
				schedule()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if opts.Log != nil {
					opts.Log.Warn().Err(err).Msg("file watch error")
				}
			}
		}
	}()
	return nil
}
