package serving

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DatasetWatcher reports changes to dataset files. It watches parent
// directories so that editors replacing a file by rename are seen too.
type DatasetWatcher struct {
	w        *fsnotify.Watcher
	onChange func(path string)
	log      *zap.Logger

	mu   sync.Mutex
	dirs map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewDatasetWatcher starts the event loop. onChange receives the cleaned
// absolute path of every file that was written, created, renamed or removed.
func NewDatasetWatcher(onChange func(path string), logger *zap.Logger) (*DatasetWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dw := &DatasetWatcher{
		w:        w,
		onChange: onChange,
		log:      logger.Named("watcher"),
		dirs:     make(map[string]bool),
		done:     make(chan struct{}),
	}
	dw.wg.Add(1)
	go dw.run()
	return dw, nil
}

// Watch starts watching the directory holding path.
func (dw *DatasetWatcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.dirs[dir] {
		return nil
	}
	if err := dw.w.Add(dir); err != nil {
		return err
	}
	dw.dirs[dir] = true
	dw.log.Debug("watching dataset directory", zap.String("dir", dir))
	return nil
}

func (dw *DatasetWatcher) run() {
	defer dw.wg.Done()
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-dw.done:
			return
		case ev, ok := <-dw.w.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 {
				continue
			}
			path, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			dw.onChange(filepath.Clean(path))
		case err, ok := <-dw.w.Errors:
			if !ok {
				return
			}
			dw.log.Warn("dataset watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (dw *DatasetWatcher) Close() error {
	close(dw.done)
	err := dw.w.Close()
	dw.wg.Wait()
	return err
}
