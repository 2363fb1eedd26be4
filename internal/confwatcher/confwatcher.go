// Package confwatcher contains a configuration watcher.
package confwatcher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	minInterval    = 1 * time.Second
	additionalWait = 10 * time.Millisecond
)

// ConfWatcher signals when the configuration file changes.
// The parent directory is watched, so that atomic replacements
// (rename over the file, symlink swaps) are detected too.
type ConfWatcher struct {
	FilePath string

	inner        *fsnotify.Watcher
	absolutePath string

	terminate chan struct{}
	signal    chan struct{}
	done      chan struct{}
}

// Initialize initializes a ConfWatcher.
func (w *ConfWatcher) Initialize() error {
	if _, err := os.Stat(w.FilePath); err != nil {
		return err
	}

	var err error
	w.inner, err = fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w.absolutePath, _ = filepath.Abs(w.FilePath)

	err = w.inner.Add(filepath.Dir(w.absolutePath))
	if err != nil {
		w.inner.Close() //nolint:errcheck
		return err
	}

	w.terminate = make(chan struct{})
	w.signal = make(chan struct{})
	w.done = make(chan struct{})

	go w.run()

	return nil
}

// Close closes a ConfWatcher.
func (w *ConfWatcher) Close() {
	close(w.terminate)
	<-w.done
}

func (w *ConfWatcher) isRelevant(event fsnotify.Event, previous string, current string) bool {
	if current != previous {
		return true
	}

	eventPath, _ := filepath.Abs(event.Name)
	eventPath, _ = filepath.EvalSymlinks(eventPath)

	return eventPath == current && (event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create))
}

func (w *ConfWatcher) run() {
	defer close(w.done)
	defer w.inner.Close() //nolint:errcheck

	var lastSignal time.Time
	previous, _ := filepath.EvalSymlinks(w.absolutePath)

	for {
		select {
		case event := <-w.inner.Events:
			if time.Since(lastSignal) < minInterval {
				continue
			}

			current, _ := filepath.EvalSymlinks(w.absolutePath)

			// the file has been removed; the following create event triggers the reload.
			if current == "" {
				previous = ""
				continue
			}

			if !w.isRelevant(event, previous, current) {
				continue
			}

			// let the writer complete its job
			time.Sleep(additionalWait)

			previous = current
			lastSignal = time.Now()

			select {
			case w.signal <- struct{}{}:
			case <-w.terminate:
				close(w.signal)
				return
			}

		case <-w.inner.Errors:
			close(w.signal)
			return

		case <-w.terminate:
			close(w.signal)
			return
		}
	}
}

// Watch returns a channel that receives a value every time the configuration file changes.
func (w *ConfWatcher) Watch() chan struct{} {
	return w.signal
}
