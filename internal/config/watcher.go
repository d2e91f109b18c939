package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the overlay config on write and notifies a callback
// with the newly loaded Config. It applies nothing itself; what happens
// with the new Config is up to the callback.
type Watcher struct {
	fsw     *fsnotify.Watcher
	baseDir string
	logger  *log.Logger
	onLoad  func(Config)
	done    chan struct{}
}

// WatchOverlay starts watching baseDir/config.yaml for writes. Callers
// must call Close when finished. If baseDir does not exist, the watch
// cannot be added and its error is returned.
func WatchOverlay(baseDir string, logger *log.Logger, onLoad func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(baseDir); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	w := &Watcher{fsw: fsw, baseDir: baseDir, logger: logger, onLoad: onLoad, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	target := overlayPath(w.baseDir)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadOverlay(w.baseDir)
			if err != nil {
				w.logger.Printf("config reload failed: %v", err)
				continue
			}
			if w.onLoad != nil {
				w.onLoad(cfg)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
