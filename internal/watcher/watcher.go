package watcher

// Package watcher watches the drop folder recursively and reports a file once
// writes to it have been quiet for the debounce period, so samples copied in
// slowly are only picked up when complete.

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher handles the file system events using fsnotify.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	onFile    func(string)
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	done   chan struct{}
}

// NewWatcher starts watching root and its subdirectories. onFile is called
// from a timer goroutine once per settled file.
func NewWatcher(root string, debounce time.Duration, onFile func(string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsWatcher: fsw,
		debounce:  debounce,
		onFile:    onFile,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}

	if err := w.AddRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if Ignored(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.AddRecursive(event.Name); err != nil {
				w.logger.Error("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
		w.schedule(event.Name)
	case event.Has(fsnotify.Write):
		w.schedule(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.forget(event.Name)
	}
}

// schedule (re)arms the debounce timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return
		}
		w.logger.Debug("File settled", "path", path)
		w.onFile(path)
	})
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

// Ignored reports hidden files and partial downloads, which are never
// reported.
func Ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".part", ".tmp", ".crdownload", ".download":
		return true
	}
	return false
}

// AddRecursive adds the given path and all its sub-directories to the watcher.
func (w *Watcher) AddRecursive(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && Ignored(p) {
			return filepath.SkipDir
		}
		w.logger.Debug("Watching directory", "path", p)
		return w.fsWatcher.Add(p)
	})
}

// Close stops watching and cancels pending callbacks.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.mu.Unlock()

	err := w.fsWatcher.Close()
	<-w.done
	return err
}
