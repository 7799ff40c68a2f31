package sequencer

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulselib/telemetry"
)

// DefaultRepetitions is the number of times the hardware plays a program
// when nothing else is configured.
const DefaultRepetitions = 1000

// Option configures a sequence.
type Option func(*settings) error

type settings struct {
	logger       zerolog.Logger
	telemetry    telemetry.Collector
	workers      int
	compensation bool
	repetitions  int
}

func defaultSettings() settings {
	return settings{
		logger:      zerolog.Nop(),
		telemetry:   telemetry.Noop(),
		repetitions: DefaultRepetitions,
	}
}

// WithLogger injects the logger used for clip warnings and state changes.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}

// WithTelemetry configures render and finalize metrics.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *settings) error {
		if collector == nil {
			collector = telemetry.Noop()
		}
		s.telemetry = collector
		return nil
	}
}

// WithWorkers bounds the per-segment render concurrency.
func WithWorkers(n int) Option {
	return func(s *settings) error {
		s.workers = n
		return nil
	}
}

// WithCompensation enables the DC compensation entry appended on finalize.
func WithCompensation(enabled bool) Option {
	return func(s *settings) error {
		s.compensation = enabled
		return nil
	}
}

// WithRepetitions sets how often the hardware repeats the whole program.
func WithRepetitions(n int) Option {
	return func(s *settings) error {
		if n < 1 {
			return fmt.Errorf("%w: repetitions %d", ErrInvalidRepeat, n)
		}
		s.repetitions = n
		return nil
	}
}
