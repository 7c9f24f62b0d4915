package supervisor

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"helmsman/pkg/logging"
)

// ReloadScheduler is what a SettingsWatcher drives on every relevant file
// change. *Supervisor satisfies it.
type ReloadScheduler interface {
	ScheduleReload(reason string)
}

// SettingsWatcher watches the user's source configuration file and schedules
// an engine reload whenever it changes. The parent directory is watched
// rather than the file itself, since editors typically replace files on
// save.
type SettingsWatcher struct {
	mu sync.Mutex

	target    string
	scheduler ReloadScheduler

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool
}

// NewSettingsWatcher creates a watcher for the file at target.
func NewSettingsWatcher(target string, scheduler ReloadScheduler) *SettingsWatcher {
	return &SettingsWatcher{
		target:    target,
		scheduler: scheduler,
	}
}

// Start begins watching. It is a no-op when already running.
func (w *SettingsWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if w.target == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.target)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.target), err)
	}

	w.fsWatcher = watcher
	w.stopCh = make(chan struct{})
	w.running = true

	go w.watchLoop(watcher.Events, watcher.Errors, w.stopCh)

	logging.Info("SettingsWatcher", "Watching %s for changes", w.target)
	return nil
}

// Stop ends watching. It is a no-op when not running.
func (w *SettingsWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	w.fsWatcher.Close()
	w.fsWatcher = nil
	w.running = false
}

func (w *SettingsWatcher) watchLoop(events chan fsnotify.Event, errors chan error, stopCh chan struct{}) {
	base := filepath.Base(w.target)
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug("SettingsWatcher", "Change detected: %s (%s)", event.Name, event.Op)
			w.scheduler.ScheduleReload("configuration file changed")
		case err, ok := <-errors:
			if !ok {
				return
			}
			logging.Warn("SettingsWatcher", "Watch error: %v", err)
		}
	}
}
