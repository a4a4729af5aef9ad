package connectivity

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// markerWatcher watches the directory containing the offline marker
// file and reports presence changes through a callback. fsnotify
// watches directories rather than individual files so that creating a
// previously missing marker is still observed.
type markerWatcher struct {
	watcher    *fsnotify.Watcher
	markerPath string
	onChange   func(present bool)
	logger     *log.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func newMarkerWatcher(markerPath string, onChange func(present bool), logger *log.Logger) (*markerWatcher, error) {
	abs, err := filepath.Abs(markerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve marker path %s: %w", markerPath, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to create marker directory %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch marker directory %s: %w", dir, err)
	}

	mw := &markerWatcher{
		watcher:    watcher,
		markerPath: abs,
		onChange:   onChange,
		logger:     logger,
		done:       make(chan struct{}),
	}

	// Report the starting state before events begin to flow.
	mw.onChange(mw.markerExists())

	mw.wg.Add(1)
	go mw.processEvents()

	return mw, nil
}

func (mw *markerWatcher) markerExists() bool {
	_, err := os.Stat(mw.markerPath)
	return err == nil
}

// processEvents converts fsnotify events on the marker file into
// presence callbacks. Events for other files in the directory are
// ignored.
func (mw *markerWatcher) processEvents() {
	defer mw.wg.Done()

	for {
		select {
		case <-mw.done:
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != mw.markerPath {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				mw.onChange(true)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				mw.onChange(false)
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			mw.logger.Printf("Watcher error: %v", err)
		}
	}
}

// Stop closes the watcher and waits for the event loop to exit.
func (mw *markerWatcher) Stop() error {
	close(mw.done)
	if err := mw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	mw.wg.Wait()
	return nil
}
