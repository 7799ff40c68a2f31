package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue/load"
)

var errOverlayExists = errors.New("overlay already registered")

var (
	overlayMu       sync.RWMutex
	overlays        = make(map[string]load.Source)
	defaultOverlays []func() error
	defaultsApplied bool
)

// RegisterOverlay registers a virtual CUE file that can be loaded via load.Config overlays.
func RegisterOverlay(path string, src load.Source) error {
	normalized, err := normalizeOverlayPath(path)
	if err != nil {
		return err
	}
	if src == nil {
		return errors.New("overlay source must not be nil")
	}
	overlayMu.Lock()
	defer overlayMu.Unlock()
	if _, exists := overlays[normalized]; exists {
		return fmt.Errorf("%w: %s", errOverlayExists, normalized)
	}
	overlays[normalized] = src
	return nil
}

// RegisterOverlayString registers a virtual CUE file from a raw string.
func RegisterOverlayString(path, cue string) error {
	return RegisterOverlay(path, load.FromString(cue))
}

// RegisterDefaultOverlay queues a registration that runs before the first
// CUE configuration is loaded. Packages call it from init.
func RegisterDefaultOverlay(register func() error) {
	if register == nil {
		return
	}
	overlayMu.Lock()
	defer overlayMu.Unlock()
	defaultOverlays = append(defaultOverlays, register)
	defaultsApplied = false
}

func ensureDefaultOverlays() error {
	overlayMu.Lock()
	if defaultsApplied {
		overlayMu.Unlock()
		return nil
	}
	pending := append([]func() error(nil), defaultOverlays...)
	defaultsApplied = true
	overlayMu.Unlock()

	for _, register := range pending {
		if err := register(); err != nil && !errors.Is(err, errOverlayExists) {
			return fmt.Errorf("register default overlay: %w", err)
		}
	}
	return nil
}

func normalizeOverlayPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("overlay path must not be empty")
	}
	cleaned := filepath.Clean(trimmed)
	if cleaned == "." || cleaned == string(filepath.Separator) {
		return "", errors.New("overlay path must reference a file")
	}
	if filepath.IsAbs(cleaned) {
		return "", errors.New("overlay path must be relative")
	}
	return cleaned, nil
}

// ResolveOverlays returns a copy of the overlay registry with absolute paths for load.Config.
func ResolveOverlays(baseDir string) map[string]load.Source {
	overlayMu.RLock()
	defer overlayMu.RUnlock()
	if len(overlays) == 0 {
		return nil
	}
	resolved := make(map[string]load.Source, len(overlays))
	for path, src := range overlays {
		resolved[filepath.Join(baseDir, path)] = src
	}
	return resolved
}

// ResetOverlaysForTest clears the overlay registry so default overlays are
// registered again on the next load. This helper is intended for tests only.
func ResetOverlaysForTest() {
	overlayMu.Lock()
	overlays = make(map[string]load.Source)
	defaultsApplied = false
	overlayMu.Unlock()
}
