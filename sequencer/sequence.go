// Package sequencer orders rendered segments into an upload ready program and
// applies per-line delay and DC compensation.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/timzifer/pulselib/hardware"
	"github.com/timzifer/pulselib/segment"
)

var (
	// ErrUnknownSegment reports an entry whose segment was not created by the library.
	ErrUnknownSegment = errors.New("unknown segment")
	// ErrNotBuilding reports an edit or finalize on a sequence that left the building state.
	ErrNotBuilding = errors.New("sequence is not building")
	// ErrNotFinalized reports an upload mark on a sequence without a program.
	ErrNotFinalized = errors.New("sequence is not finalized")
	// ErrInvalidRepeat reports a repeat count below one.
	ErrInvalidRepeat = errors.New("invalid repeat count")
)

// State is the lifecycle position of a sequence.
type State int

const (
	Building State = iota
	Finalized
	Uploaded
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Finalized:
		return "finalized"
	case Uploaded:
		return "uploaded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Registry resolves segments owned by a library.
type Registry interface {
	Lookup(name string) (*segment.Segment, bool)
	Owns(seg *segment.Segment) bool
}

// Entry is one step of a sequence. Either Segment or SegmentName identifies
// the segment; Segment wins when both are set.
type Entry struct {
	SegmentName string
	Segment     *segment.Segment
	Repeat      int
	// Delay in ns applied to every line of this entry.
	Delay float64
	// LineDelays adds per-line delays in ns on top of Delay.
	LineDelays map[string]float64
}

func (e Entry) name() string {
	if e.Segment != nil {
		return e.Segment.Name()
	}
	return e.SegmentName
}

// Sequence is an ordered list of entries. It does not own the referenced
// segments.
type Sequence struct {
	name     string
	registry Registry
	setup    *hardware.Setup
	settings settings

	mu      sync.Mutex
	state   State
	entries []Entry
	program *Program
}

// New creates a sequence in the building state.
func New(name string, registry Registry, setup *hardware.Setup, opts ...Option) (*Sequence, error) {
	if registry == nil {
		return nil, errors.New("sequencer: registry is required")
	}
	if setup == nil {
		setup = hardware.Default()
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	cfg.logger = cfg.logger.With().Str("sequence", name).Logger()
	return &Sequence{name: name, registry: registry, setup: setup, settings: cfg}, nil
}

// Name returns the sequence name.
func (s *Sequence) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Sequence) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Repetitions returns how often the hardware repeats the program.
func (s *Sequence) Repetitions() int { return s.settings.repetitions }

// Compensation reports whether finalize appends a DC compensation entry.
func (s *Sequence) Compensation() bool { return s.settings.compensation }

// Entries returns a copy of the entry list.
func (s *Sequence) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Add appends entries. Repeat 0 is treated as 1.
func (s *Sequence) Add(entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Building {
		return fmt.Errorf("sequence %s: %w (%s)", s.name, ErrNotBuilding, s.state)
	}
	prepared := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Repeat == 0 {
			e.Repeat = 1
		}
		if e.Repeat < 1 {
			return fmt.Errorf("sequence %s: entry %s: %w %d", s.name, e.name(), ErrInvalidRepeat, e.Repeat)
		}
		if e.Segment == nil && e.SegmentName == "" {
			return fmt.Errorf("sequence %s: %w: entry without segment", s.name, ErrUnknownSegment)
		}
		if len(e.LineDelays) > 0 {
			lines := make(map[string]float64, len(e.LineDelays))
			for k, v := range e.LineDelays {
				lines[k] = v
			}
			e.LineDelays = lines
		}
		prepared = append(prepared, e)
	}
	s.entries = append(s.entries, prepared...)
	return nil
}

// Program returns the finalized program.
func (s *Sequence) Program() (*Program, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program, s.program != nil
}

// MarkUploaded records a successful hand-off to the upload collaborator.
func (s *Sequence) MarkUploaded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Finalized {
		return fmt.Errorf("sequence %s: %w (%s)", s.name, ErrNotFinalized, s.state)
	}
	s.state = Uploaded
	s.settings.logger.Debug().Msg("sequence uploaded")
	return nil
}

// Finalize resolves and renders all entries and builds the program. A
// finalized sequence returns its existing program. On error the sequence
// stays in the building state.
func (s *Sequence) Finalize(ctx context.Context) (*Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Building {
		return s.program, nil
	}
	start := time.Now()
	program, err := s.build(ctx)
	s.settings.telemetry.ObserveFinalize(s.name, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	s.program = program
	s.state = Finalized
	s.settings.logger.Info().
		Int("entries", len(program.Entries)).
		Int("samples", program.Length()).
		Dur("elapsed", time.Since(start)).
		Msg("sequence finalized")
	return program, nil
}

func (s *Sequence) resolve(e Entry) (*segment.Segment, error) {
	if e.Segment != nil {
		if !s.registry.Owns(e.Segment) {
			return nil, fmt.Errorf("sequence %s: %w: %s not created by this library", s.name, ErrUnknownSegment, e.Segment.Name())
		}
		return e.Segment, nil
	}
	seg, ok := s.registry.Lookup(e.SegmentName)
	if !ok {
		return nil, fmt.Errorf("sequence %s: %w: %s", s.name, ErrUnknownSegment, e.SegmentName)
	}
	return seg, nil
}

func (s *Sequence) build(ctx context.Context) (*Program, error) {
	if len(s.entries) == 0 {
		return nil, fmt.Errorf("sequence %s: no entries", s.name)
	}
	segments := make([]*segment.Segment, len(s.entries))
	for i, e := range s.entries {
		seg, err := s.resolve(e)
		if err != nil {
			return nil, err
		}
		segments[i] = seg
	}

	rendered := make(map[*segment.Segment]*segment.Rendered)
	lineSet := make(map[string]struct{})
	var warnings []hardware.RangeClipWarning
	for _, seg := range segments {
		if _, done := rendered[seg]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		begin := time.Now()
		out, err := seg.Render(ctx, segment.RenderOptions{Workers: s.settings.workers})
		if err != nil {
			return nil, fmt.Errorf("sequence %s: %w", s.name, err)
		}
		s.settings.telemetry.ObserveRender(seg.Name(), time.Since(begin), out.Samples)
		for _, w := range out.Warnings {
			s.settings.telemetry.IncClipped(w.Channel, w.Samples)
			s.settings.logger.Warn().
				Str("segment", seg.Name()).
				Str("channel", w.Channel).
				Int("samples", w.Samples).
				Float64("min", w.Min).
				Float64("max", w.Max).
				Float64("limit", w.Limit).
				Msg("samples clipped to channel range")
		}
		warnings = append(warnings, out.Warnings...)
		rendered[seg] = out
		for name := range out.Channels {
			lineSet[name] = struct{}{}
		}
	}

	lines := make([]string, 0, len(lineSet))
	for name := range lineSet {
		lines = append(lines, name)
	}
	sort.Strings(lines)

	program := &Program{
		Sequence:    s.name,
		SampleRate:  s.setup.SampleRate,
		Repetitions: s.settings.repetitions,
		Channels:    lines,
		Warnings:    warnings,
	}
	for i, e := range s.entries {
		program.Entries = append(program.Entries, s.compose(e, rendered[segments[i]], lines))
	}
	if s.settings.compensation {
		if entry, ok := s.compensate(program); ok {
			program.Entries = append(program.Entries, entry)
		}
	}
	return program, nil
}

// compose pads every line of a rendered segment so that lines with a larger
// effective delay start earlier. All lines end up with Samples+Span samples.
func (s *Sequence) compose(e Entry, out *segment.Rendered, lines []string) ProgramEntry {
	delays := make(map[string]float64, len(lines))
	maxD, minD := 0.0, 0.0
	for _, line := range lines {
		d := s.setup.Delay(line) + e.Delay + e.LineDelays[line]
		delays[line] = d
		maxD = math.Max(maxD, d)
		minD = math.Min(minD, d)
	}
	rate := s.setup.SampleRate
	span := hardware.SamplesRound(maxD-minD, rate)

	entry := ProgramEntry{
		Segment:  out.Name,
		Repeat:   e.Repeat,
		Samples:  out.Samples,
		Span:     span,
		PrePad:   make(map[string]int, len(lines)),
		PostPad:  make(map[string]int, len(lines)),
		Channels: make(map[string][]float64, len(lines)),
	}
	for _, line := range lines {
		pre := hardware.SamplesRound(maxD-delays[line], rate)
		if pre > span {
			pre = span
		}
		post := span - pre
		idle := s.idle(line)

		buf := make([]float64, 0, out.Samples+span)
		buf = appendConst(buf, pre, idle)
		if src, ok := out.Channels[line]; ok {
			buf = append(buf, src...)
		} else {
			buf = appendConst(buf, out.Samples, idle)
		}
		buf = appendConst(buf, post, idle)

		entry.PrePad[line] = pre
		entry.PostPad[line] = post
		entry.Channels[line] = buf
	}
	return entry
}

// idle returns the output level of a line at zero device voltage.
func (s *Sequence) idle(line string) float64 {
	level := []float64{0}
	s.setup.Output(line, level)
	return level[0]
}

func appendConst(buf []float64, n int, v float64) []float64 {
	for i := 0; i < n; i++ {
		buf = append(buf, v)
	}
	return buf
}

// compensate builds a block per limited channel that cancels the integral of
// the program. The block length is set by the channel that needs the most
// time at its limit voltage.
func (s *Sequence) compensate(p *Program) (ProgramEntry, bool) {
	integrals := p.Integral()
	needed := 0.0
	for _, line := range p.Channels {
		ch, ok := s.setup.Channel(line)
		if !ok || !ch.CompensationLimits.Enabled() {
			continue
		}
		area := integrals[line]
		limit := ch.CompensationLimits.Max
		if area > 0 {
			limit = -ch.CompensationLimits.Min
		}
		needed = math.Max(needed, math.Abs(area)/limit)
	}
	n := s.setup.Samples(needed)
	if n == 0 {
		return ProgramEntry{}, false
	}
	duration := float64(n) * hardware.SamplePeriod(p.SampleRate)

	entry := ProgramEntry{
		Segment:      CompensationSegment,
		Repeat:       1,
		Samples:      n,
		PrePad:       make(map[string]int, len(p.Channels)),
		PostPad:      make(map[string]int, len(p.Channels)),
		Channels:     make(map[string][]float64, len(p.Channels)),
		Compensation: true,
	}
	for _, line := range p.Channels {
		ch, ok := s.setup.Channel(line)
		level := s.idle(line)
		if ok && ch.CompensationLimits.Enabled() {
			level = -integrals[line] / duration
		}
		entry.PrePad[line] = 0
		entry.PostPad[line] = 0
		entry.Channels[line] = appendConst(make([]float64, 0, n), n, level)
	}
	s.settings.logger.Debug().
		Int("samples", n).
		Float64("duration_ns", duration).
		Msg("dc compensation appended")
	return entry, true
}
