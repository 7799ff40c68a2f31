package upload

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/sequencer"
)

const (
	defaultRetryMin    = 100 * time.Millisecond
	defaultRetryMax    = 5 * time.Second
	defaultRetryFactor = 2
)

type retrying struct {
	next     Uploader
	attempts int
	cfg      config.RetryConfig
	logger   zerolog.Logger
}

// WithRetry retries failed uploads with exponential backoff. Per entry
// failures are returned as is.
func WithRetry(next Uploader, cfg config.RetryConfig, logger zerolog.Logger) Uploader {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &retrying{next: next, attempts: attempts, cfg: cfg, logger: logger}
}

func (r *retrying) backoff() *backoff.Backoff {
	b := &backoff.Backoff{Min: r.cfg.Min.Duration, Max: r.cfg.Max.Duration, Factor: r.cfg.Factor}
	if b.Min <= 0 {
		b.Min = defaultRetryMin
	}
	if b.Max <= 0 {
		b.Max = defaultRetryMax
	}
	if b.Factor <= 0 {
		b.Factor = defaultRetryFactor
	}
	return b
}

func (r *retrying) Upload(ctx context.Context, program *sequencer.Program) ([]EntryResult, error) {
	b := r.backoff()
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		res, err := r.next.Upload(ctx, program)
		if err == nil || res != nil {
			return res, err
		}
		lastErr = err
		if ctx.Err() != nil || attempt == r.attempts {
			break
		}
		wait := b.Duration()
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Str("sequence", program.Sequence).Msg("upload failed, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (r *retrying) Close() error { return r.next.Close() }
