package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher keeps the most recent valid config for a file and reloads it when
// the file changes on disk. Invalid edits are logged and ignored.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)

	mu  sync.RWMutex
	cfg Config

	closeOnce sync.Once
	closed    chan struct{}
}

// Watch starts watching path. The directory is watched rather than the file
// so that editors which save via rename keep triggering reloads.
func Watch(path string, initial Config, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		onLoad:  onLoad,
		cfg:     initial,
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warnf("reload %s failed, keeping previous config: %v", w.path, err)
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()

	log.Infof("reloaded %s (%d ice servers)", w.path, len(cfg.ICE.Servers))
	if w.onLoad != nil {
		w.onLoad(cfg)
	}
}
