// Package upload hands finalized sequencer programs to AWG drivers.
package upload

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/sequencer"
)

// DefaultDriver is used when the configuration selects none.
const DefaultDriver = "discard"

// EntryResult reports the outcome of uploading one program entry.
type EntryResult struct {
	Segment  string
	Index    int
	Samples  int
	Repeat   int
	Location string
	Err      error
}

// Uploader transfers programs to hardware or another sink.
//
// Upload returns one result per program entry in order. A non nil error means
// the program as a whole could not be delivered.
type Uploader interface {
	Upload(ctx context.Context, program *sequencer.Program) ([]EntryResult, error)
	Close() error
}

// Factory creates an uploader from configuration.
type Factory func(cfg config.UploadConfig, logger zerolog.Logger) (Uploader, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver available under name. It panics on invalid or
// duplicate registrations.
func Register(name string, factory Factory) {
	if name == "" {
		panic("upload driver name must not be empty")
	}
	if factory == nil {
		panic("upload driver factory must not be nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("upload driver %s already registered", name))
	}
	registry[name] = factory
}

// New instantiates the configured driver and wraps it with retries when more
// than one attempt is configured.
func New(cfg config.UploadConfig, logger zerolog.Logger) (Uploader, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		name = DefaultDriver
	}
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("upload driver %s not registered", name)
	}
	logger = logger.With().Str("driver", name).Logger()
	uploader, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create upload driver %s: %w", name, err)
	}
	if cfg.Retry.Attempts > 1 {
		uploader = WithRetry(uploader, cfg.Retry, logger)
	}
	return uploader, nil
}

// Drivers lists the registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failed returns the first entry error, if any.
func Failed(results []EntryResult) error {
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("entry %d (%s): %w", r.Index, r.Segment, r.Err)
		}
	}
	return nil
}

func results(program *sequencer.Program) []EntryResult {
	out := make([]EntryResult, len(program.Entries))
	for i, e := range program.Entries {
		out[i] = EntryResult{Segment: e.Segment, Index: i, Samples: e.Width(), Repeat: e.Repeat}
	}
	return out
}
