// Package reload polls configuration source files for changes.
package reload

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/timzifer/pulselib/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher tracks the files a configuration was loaded from. When the
// configuration root is a directory, files added to it count as changes.
type Watcher struct {
	mu      sync.Mutex
	root    string
	files   map[string]fileState
	entries map[string]struct{}
}

// NewWatcher snapshots the source files of cfg.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(root, cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the snapshot, typically after a successful reload.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := config.SourceFiles(cfg)
	var dir string
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		if info, err := os.Stat(abs); err == nil {
			if info.IsDir() {
				dir = abs
			} else {
				paths = append(paths, abs)
			}
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.root = dir
	w.files = states
	w.entries = listConfigFiles(dir)
	w.mu.Unlock()
	return nil
}

// Check reports the files that changed, vanished or appeared since the last
// snapshot, sorted by path.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	for path := range listConfigFiles(w.root) {
		if _, known := w.entries[path]; !known {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return uniquePaths(changed), nil
}

// Run polls every interval until ctx is done and calls onChange with the
// changed files. The snapshot is not refreshed automatically; callers update
// it once the new configuration was applied.
func (w *Watcher) Run(ctx context.Context, interval time.Duration, onChange func([]string)) {
	if w == nil || onChange == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := w.Check()
			if err == nil && len(changed) > 0 {
				onChange(changed)
			}
		}
	}
}

func listConfigFiles(dir string) map[string]struct{} {
	out := make(map[string]struct{})
	if dir == "" {
		return out
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".cue":
			out[filepath.Join(dir, entry.Name())] = struct{}{}
		}
	}
	return out
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
