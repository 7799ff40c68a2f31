// Package channel holds the per-channel element timeline and the breakpoint
// sweep that renders it to samples.
package channel

import (
	"fmt"
	"math"
	"sort"

	"github.com/timzifer/pulselib/hardware"
	"github.com/timzifer/pulselib/pulse"
)

const (
	slopeEpsilon = 1e-12
	levelEpsilon = 1e-9
)

// Timeline is the ordered set of elements placed on one channel. Elements
// superpose. It is not safe for concurrent edits.
type Timeline struct {
	name     string
	elements []pulse.Element
	zero     float64
	end      float64
}

// New returns an empty timeline.
func New(name string) *Timeline {
	return &Timeline{name: name}
}

// Name returns the channel name.
func (t *Timeline) Name() string { return t.name }

// Zero returns the current time origin for newly added elements.
func (t *Timeline) Zero() float64 { return t.zero }

// End returns the maximum end time over all elements, 0 when empty.
func (t *Timeline) End() float64 { return t.end }

// Len returns the number of placed elements.
func (t *Timeline) Len() int { return len(t.elements) }

// Elements returns a copy of the placed elements in insertion order.
func (t *Timeline) Elements() []pulse.Element {
	out := make([]pulse.Element, len(t.elements))
	copy(out, t.elements)
	return out
}

func (t *Timeline) add(e pulse.Element) {
	e = e.Shift(t.zero)
	_, end := e.Span()
	if len(t.elements) == 0 || end > t.end {
		t.end = end
	}
	t.elements = append(t.elements, e)
}

// Add places an already constructed element relative to the current zero.
func (t *Timeline) Add(e pulse.Element) {
	t.add(e)
}

// AddPulse places a piecewise linear pulse through points.
func (t *Timeline) AddPulse(points []pulse.Point) error {
	e, err := pulse.NewRamp(points)
	if err != nil {
		return fmt.Errorf("channel %s: %w", t.name, err)
	}
	t.add(e)
	return nil
}

// AddBlock places a constant amplitude on [start, stop).
func (t *Timeline) AddBlock(start, stop, amplitude float64) error {
	e, err := pulse.NewBlock(start, stop, amplitude)
	if err != nil {
		return fmt.Errorf("channel %s: %w", t.name, err)
	}
	t.add(e)
	return nil
}

// AddRamp places a linear ramp from v0 at start to v1 at stop.
func (t *Timeline) AddRamp(start, stop, v0, v1 float64) error {
	e, err := pulse.NewLinearRamp(start, stop, v0, v1)
	if err != nil {
		return fmt.Errorf("channel %s: %w", t.name, err)
	}
	t.add(e)
	return nil
}

// Wait occupies [zero, zero+duration) with zero amplitude.
func (t *Timeline) Wait(duration float64) error {
	e, err := pulse.NewWait(0, duration)
	if err != nil {
		return fmt.Errorf("channel %s: %w", t.name, err)
	}
	t.add(e)
	return nil
}

// Extend occupies [End(), End()+duration) with zero amplitude.
func (t *Timeline) Extend(duration float64) error {
	e, err := pulse.NewWait(t.end, duration)
	if err != nil {
		return fmt.Errorf("channel %s: %w", t.name, err)
	}
	// placed in absolute time, independent of zero
	_, end := e.Span()
	if len(t.elements) == 0 || end > t.end {
		t.end = end
	}
	t.elements = append(t.elements, e)
	return nil
}

// ExtendTo makes the timeline end at least at end.
func (t *Timeline) ExtendTo(end float64) {
	if len(t.elements) > 0 && end <= t.end {
		return
	}
	d := end - t.end
	if len(t.elements) == 0 {
		d = end
	}
	if d < 0 {
		return
	}
	_ = t.Extend(d)
}

// ResetTime moves the time origin to End().
func (t *Timeline) ResetTime() {
	if len(t.elements) == 0 {
		return
	}
	t.zero = t.end
}

// Clone returns a deep copy named name.
func (t *Timeline) Clone(name string) *Timeline {
	return &Timeline{
		name:     name,
		elements: t.Elements(),
		zero:     t.zero,
		end:      t.end,
	}
}

// Area returns the exact integral of all elements in mV·ns.
func (t *Timeline) Area() float64 {
	area := 0.0
	for _, e := range t.elements {
		area += e.Area()
	}
	return area
}

// Integral returns the sampled integral of the rendered timeline in mV·ns.
func (t *Timeline) Integral(sampleRate float64) float64 {
	return Integral(t.Render(math.Max(t.end, 0), sampleRate), sampleRate)
}

// Integral sums buf × dt in mV·ns.
func Integral(buf []float64, sampleRate float64) float64 {
	sum := 0.0
	for _, v := range buf {
		sum += v
	}
	return sum * hardware.SamplePeriod(sampleRate)
}

func (t *Timeline) deltas() []pulse.Delta {
	var out []pulse.Delta
	for _, e := range t.elements {
		out = append(out, e.Deltas()...)
	}
	// Equal-time deltas are summed in a fixed order so that the rendered
	// samples do not depend on the order elements were added in.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		return a.Slope < b.Slope
	})
	return out
}

// Breakpoint describes the waveform at a time where it changes: the level just
// before and after Time and the slope that follows.
type Breakpoint struct {
	Time   float64
	Before float64
	After  float64
	Slope  float64
}

// Breakpoints returns the consolidated breakpoint list of the timeline.
func (t *Timeline) Breakpoints() []Breakpoint {
	deltas := t.deltas()
	out := make([]Breakpoint, 0, len(deltas))
	level, slope, last := 0.0, 0.0, 0.0
	for i := 0; i < len(deltas); {
		at := deltas[i].Time
		before := level + slope*(at-last)
		level, last = before, at
		for i < len(deltas) && deltas[i].Time == at {
			level += deltas[i].Step
			slope += deltas[i].Slope
			i++
		}
		slope = snap(slope, slopeEpsilon)
		level = snap(level, levelEpsilon)
		out = append(out, Breakpoint{Time: at, Before: snap(before, levelEpsilon), After: level, Slope: slope})
	}
	return out
}

// Render samples the timeline over duration ns.
func (t *Timeline) Render(duration, sampleRate float64) []float64 {
	return t.RenderSamples(hardware.Samples(duration, sampleRate), sampleRate)
}

// RenderSamples samples the timeline into n samples; sample i is taken at
// i × 1e9 / sampleRate ns. Cost is O(E log E + n).
func (t *Timeline) RenderSamples(n int, sampleRate float64) []float64 {
	if n <= 0 {
		return []float64{}
	}
	buf := make([]float64, n)
	deltas := t.deltas()
	if len(deltas) == 0 {
		return buf
	}
	period := hardware.SamplePeriod(sampleRate)
	eps := period * 1e-6
	level, slope, last := 0.0, 0.0, 0.0
	k := 0
	for i := range buf {
		ti := float64(i) * period
		for k < len(deltas) && deltas[k].Time <= ti+eps {
			d := deltas[k]
			level += slope*(d.Time-last) + d.Step
			slope = snap(slope+d.Slope, slopeEpsilon)
			if slope == 0 {
				level = snap(level, levelEpsilon)
			}
			last = d.Time
			k++
		}
		buf[i] = snap(level+slope*(ti-last), levelEpsilon)
	}
	return buf
}

func snap(v, eps float64) float64 {
	if math.Abs(v) < eps {
		return 0
	}
	return v
}
