package pulselib

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/hardware"
	"github.com/timzifer/pulselib/telemetry"
	"github.com/timzifer/pulselib/upload"
)

// Option configures a library.
type Option func(*settings) error

type settings struct {
	config       *config.Config
	configPath   string
	setup        *hardware.Setup
	logger       zerolog.Logger
	telemetry    telemetry.Collector
	uploader     upload.Uploader
	driver       string
	workers      int
	compensation *bool
	repetitions  int
}

func defaultSettings() settings {
	return settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
}

// WithConfig builds hardware, segments, sequences and sweeps from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) error {
		if cfg == nil {
			return errors.New("config must not be nil")
		}
		s.config = cfg
		return nil
	}
}

// WithConfigPath loads the configuration with config.Load.
func WithConfigPath(path string) Option {
	return func(s *settings) error {
		if path == "" {
			return errors.New("config path must not be empty")
		}
		s.configPath = path
		return nil
	}
}

// WithSetup overrides the hardware description derived from configuration.
func WithSetup(setup *hardware.Setup) Option {
	return func(s *settings) error {
		if setup == nil {
			return errors.New("setup must not be nil")
		}
		s.setup = setup
		return nil
	}
}

// WithLogger injects the logger used by the library and its sequences.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}

// WithTelemetry configures the collector for render, finalize and upload metrics.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *settings) error {
		if collector == nil {
			collector = telemetry.Noop()
		}
		s.telemetry = collector
		return nil
	}
}

// WithUploader replaces the configured upload driver. name labels upload
// metrics.
func WithUploader(name string, uploader upload.Uploader) Option {
	return func(s *settings) error {
		if uploader == nil {
			return errors.New("uploader must not be nil")
		}
		if name == "" {
			name = "custom"
		}
		s.uploader = uploader
		s.driver = name
		return nil
	}
}

// WithWorkers bounds the per-segment render concurrency. Values <= 0 use
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(s *settings) error {
		s.workers = n
		return nil
	}
}

// WithCompensation sets the default DC compensation of new sequences.
func WithCompensation(enabled bool) Option {
	return func(s *settings) error {
		s.compensation = &enabled
		return nil
	}
}

// WithRepetitions sets the default n_rep of new sequences.
func WithRepetitions(n int) Option {
	return func(s *settings) error {
		s.repetitions = n
		return nil
	}
}
