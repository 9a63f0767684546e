// Package flags loads feature flags from a JSON file and hot-reloads them
// on change, so analyzer rollouts can be toggled without a restart.
package flags

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Flags is a live view over a feature-flag file. The zero value (or a nil
// pointer) reports every flag as disabled with its default.
type Flags struct {
	mu     sync.RWMutex
	path   string
	values map[string]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads the flag file at path. A missing file yields an empty flag set.
func Load(path string) (*Flags, error) {
	f := &Flags{path: path, values: make(map[string]bool)}
	if path == "" {
		return f, nil
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Flags) reload() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.mu.Lock()
		f.values = make(map[string]bool)
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("flags: read %s: %w", f.path, err)
	}
	var values map[string]bool
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("flags: parse %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.values = values
	f.mu.Unlock()
	return nil
}

// Enabled reports whether a flag is on, or def when the flag is absent.
func (f *Flags) Enabled(name string, def bool) bool {
	if f == nil {
		return def
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if v, ok := f.values[name]; ok {
		return v
	}
	return def
}

// Watch reloads the file on writes until Stop is called. Editors replace
// files with rename+create, so the parent directory is watched, not the
// file itself.
func (f *Flags) Watch() error {
	if f.path == "" || f.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("flags: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("flags: watch %s: %w", f.path, err)
	}
	f.watcher = watcher
	f.done = make(chan struct{})
	go f.watchLoop()
	return nil
}

func (f *Flags) watchLoop() {
	base := filepath.Base(f.path)
	var debounce *time.Timer
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				if err := f.reload(); err != nil {
					log.Printf("[flags] reload failed, keeping previous values: %v", err)
				}
			})
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[flags] watcher error: %v", err)
		}
	}
}

// Stop ends the watch loop and releases the watcher.
func (f *Flags) Stop() {
	if f.watcher == nil {
		return
	}
	close(f.done)
	f.watcher.Close()
	f.watcher = nil
}
