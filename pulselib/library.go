// Package pulselib ties hardware setup, virtual gates, segments, sequences
// and the upload collaborator together.
package pulselib

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/gates"
	"github.com/timzifer/pulselib/hardware"
	"github.com/timzifer/pulselib/segment"
	"github.com/timzifer/pulselib/sequencer"
	"github.com/timzifer/pulselib/telemetry"
	"github.com/timzifer/pulselib/upload"
)

var (
	// ErrDuplicateSegment reports a segment name that is already taken.
	ErrDuplicateSegment = errors.New("duplicate segment")
	// ErrDuplicateSequence reports a sequence name that is already taken.
	ErrDuplicateSequence = errors.New("duplicate sequence")
	// ErrUnknownSequence reports a start request for an undefined sequence.
	ErrUnknownSequence = errors.New("unknown sequence")
)

// Step is one (segment, repeat, delay) triple of a sequence definition.
type Step struct {
	Segment string
	Repeat  int
	// Delay in ns applied to every line while the step plays.
	Delay float64
	// LineDelays adds per-line delays in ns.
	LineDelays map[string]float64
}

// Library owns segments and sequences rendered for one hardware setup. All
// segments share the library's virtual gate matrix.
type Library struct {
	setup     *hardware.Setup
	gates     *gates.Matrix
	logger    zerolog.Logger
	telemetry telemetry.Collector
	uploader  upload.Uploader
	driver    string
	settings  settings

	mu        sync.RWMutex
	segments  map[string]*segment.Segment
	sequences map[string]*sequencer.Sequence
	sweeps    map[string][]string

	startMu sync.Mutex
}

// New creates a library. When a configuration is given, the hardware setup,
// upload driver and all declared segments, sequences and sweeps are built
// from it.
func New(ctx context.Context, opts ...Option) (*Library, error) {
	s := defaultSettings()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&s); err != nil {
			return nil, err
		}
	}
	if s.config == nil && s.configPath != "" {
		cfg, err := config.Load(s.configPath)
		if err != nil {
			return nil, err
		}
		s.config = cfg
	}
	cfg := s.config

	setup := s.setup
	if setup == nil {
		if cfg != nil {
			var err error
			if setup, err = SetupFromConfig(cfg); err != nil {
				return nil, err
			}
		} else {
			setup = hardware.Default()
		}
	}

	if cfg != nil {
		if s.workers == 0 {
			s.workers = cfg.Workers.Render
		}
		if s.compensation == nil {
			enabled := cfg.Hardware.DCCompensation
			s.compensation = &enabled
		}
		if s.repetitions == 0 {
			s.repetitions = cfg.Hardware.Repetitions
		}
	}

	uploader, driver := s.uploader, s.driver
	if uploader == nil {
		var uploadCfg config.UploadConfig
		if cfg != nil {
			uploadCfg = cfg.Upload
		}
		var err error
		if uploader, err = upload.New(uploadCfg, s.logger); err != nil {
			return nil, err
		}
		driver = strings.ToLower(uploadCfg.Driver)
		if driver == "" {
			driver = upload.DefaultDriver
		}
	}

	lib := &Library{
		setup:     setup,
		gates:     gates.New(),
		logger:    s.logger,
		telemetry: s.telemetry,
		uploader:  uploader,
		driver:    driver,
		settings:  s,
		segments:  make(map[string]*segment.Segment),
		sequences: make(map[string]*sequencer.Sequence),
		sweeps:    make(map[string][]string),
	}
	if cfg != nil {
		if err := lib.build(ctx, cfg); err != nil {
			_ = uploader.Close()
			return nil, err
		}
	}
	return lib, nil
}

// Close releases the upload driver.
func (l *Library) Close() error {
	return l.uploader.Close()
}

// Setup returns the hardware description.
func (l *Library) Setup() *hardware.Setup { return l.setup }

// VirtualGates returns the matrix shared by all segments.
func (l *Library) VirtualGates() *gates.Matrix { return l.gates }

// SetVirtualGates replaces the virtual gate definition. matrix is indexed
// [real][virtual].
func (l *Library) SetVirtualGates(virtual, real []string, matrix [][]float64) error {
	for _, name := range real {
		if _, known := l.setup.Channel(name); !known && len(l.setup.Names()) > 0 {
			return fmt.Errorf("%w: real gate %s is not a hardware channel", gates.ErrInvalidGateNames, name)
		}
	}
	for _, name := range virtual {
		if _, clash := l.setup.Channel(name); clash {
			return fmt.Errorf("%w: virtual gate %s is a hardware channel", gates.ErrInvalidGateNames, name)
		}
	}
	return l.gates.Set(virtual, real, matrix)
}

// NewSegment creates and registers an empty segment.
func (l *Library) NewSegment(name string) (*segment.Segment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("segment name must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.segments[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSegment, name)
	}
	seg := segment.New(name, l.gates, l.setup)
	l.segments[name] = seg
	return seg, nil
}

// Segment returns the segment registered under name.
func (l *Library) Segment(name string) (*segment.Segment, bool) {
	return l.Lookup(name)
}

// Lookup implements sequencer.Registry.
func (l *Library) Lookup(name string) (*segment.Segment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seg, ok := l.segments[name]
	return seg, ok
}

// Owns reports whether seg was created by this library.
func (l *Library) Owns(seg *segment.Segment) bool {
	if seg == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[seg.Name()] == seg
}

// CloneSegment registers a deep copy of src under name.
func (l *Library) CloneSegment(src *segment.Segment, name string) (*segment.Segment, error) {
	if !l.Owns(src) {
		return nil, fmt.Errorf("%w: clone source not created by this library", sequencer.ErrUnknownSegment)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.segments[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSegment, name)
	}
	clone := src.Clone(name)
	l.segments[name] = clone
	return clone, nil
}

// Unregister removes segments and sequences by name.
func (l *Library) Unregister(segments, sequences []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, name := range sequences {
		delete(l.sequences, name)
	}
	for _, name := range segments {
		delete(l.segments, name)
	}
}

// DefineSequence registers a sequence built from steps with the library
// defaults for DC compensation and repetitions.
func (l *Library) DefineSequence(name string, steps ...Step) (*sequencer.Sequence, error) {
	return l.defineSequence(name, l.sequenceOptions(l.settings.compensation, l.settings.repetitions), stepEntries(steps))
}

// DeriveSequence registers a sequence with the settings of base and the
// given entries.
func (l *Library) DeriveSequence(base *sequencer.Sequence, name string, entries ...sequencer.Entry) (*sequencer.Sequence, error) {
	compensation := base.Compensation()
	return l.defineSequence(name, l.sequenceOptions(&compensation, base.Repetitions()), entries)
}

func (l *Library) sequenceOptions(compensation *bool, repetitions int) []sequencer.Option {
	opts := []sequencer.Option{
		sequencer.WithLogger(l.logger),
		sequencer.WithTelemetry(l.telemetry),
		sequencer.WithWorkers(l.settings.workers),
	}
	if compensation != nil {
		opts = append(opts, sequencer.WithCompensation(*compensation))
	}
	if repetitions != 0 {
		opts = append(opts, sequencer.WithRepetitions(repetitions))
	}
	return opts
}

func (l *Library) defineSequence(name string, opts []sequencer.Option, entries []sequencer.Entry) (*sequencer.Sequence, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("sequence name must not be empty")
	}
	seq, err := sequencer.New(name, l, l.setup, opts...)
	if err != nil {
		return nil, err
	}
	if err := seq.Add(entries...); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.sequences[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSequence, name)
	}
	l.sequences[name] = seq
	return seq, nil
}

func stepEntries(steps []Step) []sequencer.Entry {
	entries := make([]sequencer.Entry, len(steps))
	for i, step := range steps {
		entries[i] = sequencer.Entry{
			SegmentName: step.Segment,
			Repeat:      step.Repeat,
			Delay:       step.Delay,
			LineDelays:  step.LineDelays,
		}
	}
	return entries
}

// Sequence returns the sequence registered under name.
func (l *Library) Sequence(name string) (*sequencer.Sequence, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq, ok := l.sequences[name]
	return seq, ok
}

// Sequences lists the registered sequence names.
func (l *Library) Sequences() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.sequences))
	for name := range l.sequences {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sweep returns the sequence names generated by the named sweep in value order.
func (l *Library) Sweep(name string) ([]string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names, ok := l.sweeps[name]
	return append([]string(nil), names...), ok
}

// Start finalizes the named sequence if needed and hands the program to the
// upload driver. A sequence that was already uploaded is not sent again.
func (l *Library) Start(ctx context.Context, name string) (*sequencer.Program, error) {
	seq, ok := l.Sequence(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, name)
	}
	l.startMu.Lock()
	defer l.startMu.Unlock()

	program, err := seq.Finalize(ctx)
	if err != nil {
		return nil, err
	}
	if seq.State() == sequencer.Uploaded {
		return program, nil
	}

	results, err := l.uploader.Upload(ctx, program)
	if err == nil {
		err = upload.Failed(results)
	}
	l.telemetry.IncUpload(l.driver, err)
	if err != nil {
		l.logger.Error().Err(err).Str("sequence", name).Str("driver", l.driver).Msg("upload failed")
		return nil, fmt.Errorf("upload sequence %s: %w", name, err)
	}
	if err := seq.MarkUploaded(); err != nil {
		return nil, err
	}
	l.logger.Info().
		Str("sequence", name).
		Str("driver", l.driver).
		Int("entries", len(program.Entries)).
		Float64("duration_ns", program.Duration()).
		Msg("sequence started")
	return program, nil
}
