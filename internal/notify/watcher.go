package notify

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher calls OnChange after a file is written, created or renamed
// into place. Bursts of events inside Debounce collapse into one call.
type FileWatcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   Logger
}

func NewFileWatcher(path string, debounce time.Duration, onChange func(), logger Logger) (*FileWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidOptions)
	}
	if onChange == nil {
		return nil, fmt.Errorf("%w: onChange is required", ErrInvalidOptions)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &FileWatcher{path: abs, debounce: debounce, onChange: onChange, logger: logger}, nil
}

// Run watches the parent directory so that editors replacing the file via
// rename are still observed. It returns when ctx is done.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("file watcher error for %s: %v", w.path, err)
		case <-timer.C:
			w.onChange()
		}
	}
}

func (w *FileWatcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
