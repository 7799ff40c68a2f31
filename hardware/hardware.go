// Package hardware describes the AWG output lines a library renders for and
// the time/sample arithmetic shared by the rendering layers.
package hardware

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	// DefaultSampleRate is the AWG sample rate in Sa/s used when none is configured.
	DefaultSampleRate = 1e9
	// DefaultRange is the peak output amplitude in mV of the targeted AWG.
	DefaultRange = 1500.0
)

// ErrInvalidSetup reports an inconsistent hardware description.
var ErrInvalidSetup = errors.New("invalid hardware setup")

// Limits bounds the voltage a channel may use for DC compensation pulses.
type Limits struct {
	Min float64
	Max float64
}

// Enabled reports whether the limits allow compensation in both directions.
func (l Limits) Enabled() bool {
	return l.Min < 0 && l.Max > 0
}

// Channel describes one physical AWG output line.
type Channel struct {
	Name   string
	AWG    string
	Number int
	// Range is the peak output amplitude in mV. Zero disables clipping.
	Range float64
	// Attenuation between AWG output and device. Values <= 0 are treated as 1.
	Attenuation float64
	// Delay is the fixed propagation delay of the line in ns.
	Delay float64
	// Offset is a DC offset in mV added before attenuation.
	Offset             float64
	CompensationLimits Limits
}

func (c Channel) attenuation() float64 {
	if c.Attenuation <= 0 {
		return 1
	}
	return c.Attenuation
}

// Setup is the read-only hardware description shared by all segments of a library.
type Setup struct {
	SampleRate  float64
	Granularity int

	channels []Channel
	index    map[string]int
}

// NewSetup validates the channel list and builds a setup.
func NewSetup(sampleRate float64, granularity int, channels ...Channel) (*Setup, error) {
	if sampleRate <= 0 || math.IsInf(sampleRate, 0) || math.IsNaN(sampleRate) {
		return nil, fmt.Errorf("%w: sample rate %v must be positive", ErrInvalidSetup, sampleRate)
	}
	if granularity < 1 {
		granularity = 1
	}
	setup := &Setup{
		SampleRate:  sampleRate,
		Granularity: granularity,
		channels:    make([]Channel, 0, len(channels)),
		index:       make(map[string]int, len(channels)),
	}
	for _, ch := range channels {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: channel name must not be empty", ErrInvalidSetup)
		}
		if _, exists := setup.index[name]; exists {
			return nil, fmt.Errorf("%w: channel %s defined twice", ErrInvalidSetup, name)
		}
		if ch.Range < 0 {
			return nil, fmt.Errorf("%w: channel %s range must not be negative", ErrInvalidSetup, name)
		}
		lim := ch.CompensationLimits
		if lim.Min > lim.Max {
			return nil, fmt.Errorf("%w: channel %s compensation limits %v > %v", ErrInvalidSetup, name, lim.Min, lim.Max)
		}
		ch.Name = name
		setup.index[name] = len(setup.channels)
		setup.channels = append(setup.channels, ch)
	}
	return setup, nil
}

// Default returns a setup without channel definitions at the default sample rate.
func Default() *Setup {
	setup, _ := NewSetup(DefaultSampleRate, 1)
	return setup
}

// Channel returns the definition for name.
func (s *Setup) Channel(name string) (Channel, bool) {
	if s == nil {
		return Channel{}, false
	}
	idx, ok := s.index[name]
	if !ok {
		return Channel{}, false
	}
	return s.channels[idx], true
}

// Names returns the defined channel names in definition order.
func (s *Setup) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.channels))
	for i, ch := range s.channels {
		names[i] = ch.Name
	}
	return names
}

// Delay returns the configured propagation delay of a line in ns.
func (s *Setup) Delay(name string) float64 {
	ch, _ := s.Channel(name)
	return ch.Delay
}

// Samples converts a duration to the granular sample count used for buffers.
func (s *Setup) Samples(duration float64) int {
	return Granular(Samples(duration, s.SampleRate), s.Granularity)
}

// Output converts a rendered channel buffer to AWG output voltages in place.
// Samples outside the channel range are clamped; the returned warning reports
// how many were affected.
func (s *Setup) Output(name string, buf []float64) (RangeClipWarning, bool) {
	ch, ok := s.Channel(name)
	if !ok {
		return RangeClipWarning{}, false
	}
	att := ch.attenuation()
	if ch.Offset != 0 || att != 1 {
		for i, v := range buf {
			buf[i] = (v + ch.Offset) / att
		}
	}
	return Clip(name, buf, ch.Range)
}

// RangeClipWarning reports samples that exceeded the output range of a channel.
// It is recoverable: the clamped buffer is still used.
type RangeClipWarning struct {
	Channel string
	Samples int
	Min     float64
	Max     float64
	Limit   float64
}

func (w RangeClipWarning) String() string {
	return fmt.Sprintf("channel %s: %d samples clipped to ±%g mV (min %g, max %g)", w.Channel, w.Samples, w.Limit, w.Min, w.Max)
}

// Clip clamps buf to ±limit. A limit <= 0 leaves the buffer untouched.
func Clip(name string, buf []float64, limit float64) (RangeClipWarning, bool) {
	if limit <= 0 {
		return RangeClipWarning{}, false
	}
	warn := RangeClipWarning{Channel: name, Limit: limit, Min: math.Inf(1), Max: math.Inf(-1)}
	for i, v := range buf {
		switch {
		case v > limit:
			buf[i] = limit
		case v < -limit:
			buf[i] = -limit
		default:
			continue
		}
		warn.Samples++
		warn.Min = math.Min(warn.Min, v)
		warn.Max = math.Max(warn.Max, v)
	}
	if warn.Samples == 0 {
		return RangeClipWarning{}, false
	}
	return warn, true
}

// SortWarnings orders warnings by channel name.
func SortWarnings(warnings []RangeClipWarning) {
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].Channel < warnings[j].Channel })
}
