// Package watcher observes a single file for external mutations and invokes a
// callback after a short debounce window. It is used to pick up host-side
// token refreshes of the auth store without polling.
package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce coalesces bursts of write events into one callback.
const DefaultDebounce = 500 * time.Millisecond

// Watcher tails one file and fires onChange after writes settle.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
}

// New returns a watcher for path. A non-positive debounce uses the default.
func New(path string, debounce time.Duration, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: path, debounce: debounce, onChange: onChange}
}

// Run watches until ctx is cancelled. The parent directory is watched rather
// than the file itself so atomic replace-by-rename is observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	log.Debugf("watcher: watching %s", w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			log.Debugf("watcher: %s changed", w.path)
			w.onChange()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher: %v", err)
		}
	}
}
