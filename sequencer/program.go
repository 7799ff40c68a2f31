package sequencer

import (
	"github.com/timzifer/pulselib/channel"
	"github.com/timzifer/pulselib/hardware"
)

// CompensationSegment names the entry appended by DC compensation.
const CompensationSegment = "dc_compensation"

// ProgramEntry is one rendered, delay compensated sequence step. Every buffer
// in Channels has Samples+Span samples and is played Repeat times.
type ProgramEntry struct {
	Segment  string
	Repeat   int
	Samples  int
	Span     int
	PrePad   map[string]int
	PostPad  map[string]int
	Channels map[string][]float64
	// Compensation marks the entry generated by DC compensation.
	Compensation bool
}

// Width returns the number of samples of a single repetition.
func (e ProgramEntry) Width() int {
	return e.Samples + e.Span
}

// Length returns the number of samples the entry contributes to the program.
func (e ProgramEntry) Length() int {
	return e.Width() * e.Repeat
}

// Program is the upload ready result of finalizing a sequence.
type Program struct {
	Sequence    string
	SampleRate  float64
	Repetitions int
	Channels    []string
	Entries     []ProgramEntry
	Warnings    []hardware.RangeClipWarning
}

// Length returns the total number of samples per channel.
func (p *Program) Length() int {
	total := 0
	for _, e := range p.Entries {
		total += e.Length()
	}
	return total
}

// Duration returns the program duration in ns.
func (p *Program) Duration() float64 {
	return float64(p.Length()) * hardware.SamplePeriod(p.SampleRate)
}

// Concatenate expands repeats and returns one contiguous buffer per channel.
func (p *Program) Concatenate() map[string][]float64 {
	n := p.Length()
	out := make(map[string][]float64, len(p.Channels))
	for _, name := range p.Channels {
		buf := make([]float64, 0, n)
		for _, e := range p.Entries {
			for r := 0; r < e.Repeat; r++ {
				buf = append(buf, e.Channels[name]...)
			}
		}
		out[name] = buf
	}
	return out
}

// Integral returns the integral of every channel over the program in mV·ns.
func (p *Program) Integral() map[string]float64 {
	out := make(map[string]float64, len(p.Channels))
	for _, name := range p.Channels {
		total := 0.0
		for _, e := range p.Entries {
			total += channel.Integral(e.Channels[name], p.SampleRate) * float64(e.Repeat)
		}
		out[name] = total
	}
	return out
}
