// Package segment groups channel timelines into a named unit that shares one
// duration and renders to physical AWG lines.
package segment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/timzifer/pulselib/channel"
	"github.com/timzifer/pulselib/gates"
	"github.com/timzifer/pulselib/hardware"
	"github.com/timzifer/pulselib/internal/workers"
	"github.com/timzifer/pulselib/pulse"
)

// ErrEmptySegment is returned when rendering a segment without any touched channel.
var ErrEmptySegment = errors.New("segment has no channels")

// Segment is a named set of lazily created channel timelines. The gate matrix
// and hardware setup are shared with the owning library and are never
// modified by the segment. Edits are not safe for concurrent use.
type Segment struct {
	name     string
	matrix   *gates.Matrix
	setup    *hardware.Setup
	channels map[string]*channel.Timeline
	// zero is the time origin set by the last ResetTime.
	zero float64
}

// New creates an empty segment. A nil matrix means no virtual channels, a nil
// setup the default hardware.
func New(name string, matrix *gates.Matrix, setup *hardware.Setup) *Segment {
	if matrix == nil {
		matrix = gates.New()
	}
	if setup == nil {
		setup = hardware.Default()
	}
	return &Segment{
		name:     name,
		matrix:   matrix,
		setup:    setup,
		channels: make(map[string]*channel.Timeline),
	}
}

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Matrix returns the shared gate matrix.
func (s *Segment) Matrix() *gates.Matrix { return s.matrix }

// Setup returns the shared hardware setup.
func (s *Segment) Setup() *hardware.Setup { return s.setup }

// Channel returns the timeline for name, creating it on first access. Names
// may be real or virtual channels. A timeline created after ResetTime starts
// at the segment time origin.
func (s *Segment) Channel(name string) *channel.Timeline {
	tl, ok := s.channels[name]
	if !ok {
		tl = channel.New(name)
		if s.zero > 0 {
			tl.ExtendTo(s.zero)
			tl.ResetTime()
		}
		s.channels[name] = tl
	}
	return tl
}

// Has reports whether name was touched.
func (s *Segment) Has(name string) bool {
	_, ok := s.channels[name]
	return ok
}

// Channels returns the touched channel names sorted.
func (s *Segment) Channels() []string {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// End returns the segment duration in ns: the maximum end over all
// timelines, clamped at zero.
func (s *Segment) End() float64 {
	end := 0.0
	for _, tl := range s.channels {
		end = math.Max(end, tl.End())
	}
	return end
}

// Samples returns the buffer length a render produces.
func (s *Segment) Samples() int {
	return s.setup.Samples(s.End())
}

// Extend aligns every touched channel to the segment end and adds duration ns.
func (s *Segment) Extend(duration float64) error {
	if duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return fmt.Errorf("segment %s: %w: extend by %g", s.name, pulse.ErrInvalidRange, duration)
	}
	end := s.End()
	for _, name := range s.Channels() {
		tl := s.channels[name]
		tl.ExtendTo(end)
		if err := tl.Extend(duration); err != nil {
			return fmt.Errorf("segment %s: %w", s.name, err)
		}
	}
	return nil
}

// ResetTime moves the time origin of every touched channel to the segment end.
func (s *Segment) ResetTime() {
	end := s.End()
	s.zero = end
	for _, tl := range s.channels {
		if tl.Len() == 0 && end == 0 {
			continue
		}
		tl.ExtendTo(end)
		tl.ResetTime()
	}
}

// Clone returns a deep copy named name sharing matrix and setup.
func (s *Segment) Clone(name string) *Segment {
	out := New(name, s.matrix, s.setup)
	out.zero = s.zero
	for chName, tl := range s.channels {
		out.channels[chName] = tl.Clone(chName)
	}
	return out
}

// RenderOptions tunes a render.
type RenderOptions struct {
	// Workers bounds the number of channels rendered concurrently. Values <= 0
	// select GOMAXPROCS.
	Workers int
}

// Rendered holds the output voltages of every physical line for one segment.
type Rendered struct {
	Name       string
	SampleRate float64
	Samples    int
	Duration   float64
	Channels   map[string][]float64
	Warnings   []hardware.RangeClipWarning
}

// Names returns the rendered channel names sorted.
func (r *Rendered) Names() []string {
	names := make([]string, 0, len(r.Channels))
	for name := range r.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clipped returns the total number of clipped samples.
func (r *Rendered) Clipped() int {
	total := 0
	for _, w := range r.Warnings {
		total += w.Samples
	}
	return total
}

type rendered struct {
	name string
	buf  []float64
}

// Render samples all timelines and maps them onto the physical lines.
// Rendering does not modify the segment.
func (s *Segment) Render(ctx context.Context, opts RenderOptions) (*Rendered, error) {
	if len(s.channels) == 0 {
		return nil, fmt.Errorf("segment %s: %w", s.name, ErrEmptySegment)
	}
	duration := s.End()
	n := s.setup.Samples(duration)
	rate := s.setup.SampleRate

	names := s.Channels()
	bufs, err := workers.Map(ctx, workers.Slots(opts.Workers), names, func(_ context.Context, name string) (rendered, error) {
		return rendered{name: name, buf: s.channels[name].RenderSamples(n, rate)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", s.name, err)
	}

	virtual := make(map[string][]float64)
	direct := make(map[string][]float64)
	for _, r := range bufs {
		if s.matrix.IsVirtual(r.name) {
			virtual[r.name] = r.buf
			continue
		}
		direct[r.name] = r.buf
	}

	out := &Rendered{
		Name:       s.name,
		SampleRate: rate,
		Samples:    n,
		Duration:   duration,
		Channels:   make(map[string][]float64),
	}
	for _, real := range s.realChannels(direct) {
		buf, ok := direct[real]
		if !ok {
			buf = make([]float64, n)
		}
		if err := s.matrix.AccumulateInto(buf, real, virtual); err != nil {
			return nil, fmt.Errorf("segment %s: %w", s.name, err)
		}
		if warn, clipped := s.setup.Output(real, buf); clipped {
			out.Warnings = append(out.Warnings, warn)
		}
		out.Channels[real] = buf
	}
	hardware.SortWarnings(out.Warnings)
	return out, nil
}

func (s *Segment) realChannels(direct map[string][]float64) []string {
	set := make(map[string]struct{})
	for _, name := range s.setup.Names() {
		set[name] = struct{}{}
	}
	for _, name := range s.matrix.RealNames() {
		set[name] = struct{}{}
	}
	for name := range direct {
		set[name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
