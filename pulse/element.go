// Package pulse defines the immutable waveform primitives placed on a channel
// timeline. Times are in ns, amplitudes in mV.
package pulse

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidShape reports a ramp whose breakpoints cannot describe a waveform.
	ErrInvalidShape = errors.New("invalid pulse shape")
	// ErrInvalidRange reports a block or wait with an empty or negative time range.
	ErrInvalidRange = errors.New("invalid pulse range")
)

// Kind identifies the primitive an Element represents.
type Kind int

const (
	KindRamp Kind = iota + 1
	KindBlock
	KindWait
)

func (k Kind) String() string {
	switch k {
	case KindRamp:
		return "ramp"
	case KindBlock:
		return "block"
	case KindWait:
		return "wait"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Point is a ramp breakpoint.
type Point struct {
	Time      float64
	Amplitude float64
}

// Delta is the breakpoint form of an element: at Time the level jumps by Step
// and the slope changes by Slope (mV/ns).
type Delta struct {
	Time  float64
	Step  float64
	Slope float64
}

// Element is one primitive on a timeline. The zero value is not usable; use
// the constructors.
type Element struct {
	kind      Kind
	points    []Point
	start     float64
	stop      float64
	amplitude float64
}

// NewRamp builds a piecewise linear element through points. Equal consecutive
// times form a vertical step.
func NewRamp(points []Point) (Element, error) {
	if len(points) < 2 {
		return Element{}, fmt.Errorf("%w: ramp needs at least 2 points, got %d", ErrInvalidShape, len(points))
	}
	for i, p := range points {
		if !finite(p.Time) || !finite(p.Amplitude) {
			return Element{}, fmt.Errorf("%w: point %d is not finite", ErrInvalidShape, i)
		}
		if i > 0 && p.Time < points[i-1].Time {
			return Element{}, fmt.Errorf("%w: point %d at %g ns precedes %g ns", ErrInvalidShape, i, p.Time, points[i-1].Time)
		}
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	return Element{
		kind:   KindRamp,
		points: cp,
		start:  cp[0].Time,
		stop:   cp[len(cp)-1].Time,
	}, nil
}

// NewLinearRamp builds a ramp from v0 at start to v1 at stop.
func NewLinearRamp(start, stop, v0, v1 float64) (Element, error) {
	if !(start < stop) {
		return Element{}, fmt.Errorf("%w: ramp start %g must precede stop %g", ErrInvalidRange, start, stop)
	}
	return NewRamp([]Point{{Time: start, Amplitude: v0}, {Time: stop, Amplitude: v1}})
}

// NewBlock builds a constant amplitude on [start, stop).
func NewBlock(start, stop, amplitude float64) (Element, error) {
	if !finite(start) || !finite(stop) || !finite(amplitude) {
		return Element{}, fmt.Errorf("%w: block values must be finite", ErrInvalidRange)
	}
	if !(start < stop) {
		return Element{}, fmt.Errorf("%w: block start %g must precede stop %g", ErrInvalidRange, start, stop)
	}
	return Element{kind: KindBlock, start: start, stop: stop, amplitude: amplitude}, nil
}

// NewWait builds a zero amplitude element that only occupies time.
func NewWait(start, duration float64) (Element, error) {
	if !finite(start) || !finite(duration) || duration < 0 {
		return Element{}, fmt.Errorf("%w: wait duration %g must be non-negative", ErrInvalidRange, duration)
	}
	return Element{kind: KindWait, start: start, stop: start + duration}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Kind returns the primitive type.
func (e Element) Kind() Kind { return e.kind }

// Span returns the time range the element occupies.
func (e Element) Span() (start, end float64) { return e.start, e.stop }

// Amplitude returns the block amplitude; zero for other kinds.
func (e Element) Amplitude() float64 { return e.amplitude }

// Points returns a copy of the ramp breakpoints.
func (e Element) Points() []Point {
	if len(e.points) == 0 {
		return nil
	}
	cp := make([]Point, len(e.points))
	copy(cp, e.points)
	return cp
}

// Shift returns the same element moved by offset ns.
func (e Element) Shift(offset float64) Element {
	out := e
	out.start += offset
	out.stop += offset
	if len(e.points) > 0 {
		out.points = make([]Point, len(e.points))
		for i, p := range e.points {
			out.points[i] = Point{Time: p.Time + offset, Amplitude: p.Amplitude}
		}
	}
	return out
}

// Eval returns the amplitude at time t.
func (e Element) Eval(t float64) float64 {
	switch e.kind {
	case KindBlock:
		if t >= e.start && t < e.stop {
			return e.amplitude
		}
	case KindRamp:
		if t < e.start || t >= e.stop {
			return 0
		}
		for i := 0; i < len(e.points)-1; i++ {
			p0, p1 := e.points[i], e.points[i+1]
			if t >= p0.Time && t < p1.Time {
				return p0.Amplitude + (p1.Amplitude-p0.Amplitude)*(t-p0.Time)/(p1.Time-p0.Time)
			}
		}
	}
	return 0
}

// Deltas returns the breakpoint form of the element.
func (e Element) Deltas() []Delta {
	switch e.kind {
	case KindBlock:
		if e.amplitude == 0 {
			return nil
		}
		return []Delta{
			{Time: e.start, Step: e.amplitude},
			{Time: e.stop, Step: -e.amplitude},
		}
	case KindRamp:
		out := make([]Delta, 0, 2*(len(e.points)-1))
		for i := 0; i < len(e.points)-1; i++ {
			p0, p1 := e.points[i], e.points[i+1]
			width := p1.Time - p0.Time
			if width <= 0 {
				continue
			}
			slope := (p1.Amplitude - p0.Amplitude) / width
			out = append(out,
				Delta{Time: p0.Time, Step: p0.Amplitude, Slope: slope},
				Delta{Time: p1.Time, Step: -p1.Amplitude, Slope: -slope},
			)
		}
		return out
	}
	return nil
}

// Area returns the exact integral of the element in mV·ns.
func (e Element) Area() float64 {
	switch e.kind {
	case KindBlock:
		return e.amplitude * (e.stop - e.start)
	case KindRamp:
		area := 0.0
		for i := 0; i < len(e.points)-1; i++ {
			p0, p1 := e.points[i], e.points[i+1]
			area += (p0.Amplitude + p1.Amplitude) / 2 * (p1.Time - p0.Time)
		}
		return area
	}
	return 0
}

func (e Element) String() string {
	switch e.kind {
	case KindBlock:
		return fmt.Sprintf("block[%g, %g) %g mV", e.start, e.stop, e.amplitude)
	case KindRamp:
		return fmt.Sprintf("ramp[%g, %g) %d points", e.start, e.stop, len(e.points))
	case KindWait:
		return fmt.Sprintf("wait[%g, %g)", e.start, e.stop)
	}
	return "invalid element"
}
