package upload

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/sequencer"
)

func init() {
	Register("discard", func(_ config.UploadConfig, logger zerolog.Logger) (Uploader, error) {
		return &discard{logger: logger}, nil
	})
}

type discard struct {
	logger zerolog.Logger
}

func (d *discard) Upload(ctx context.Context, program *sequencer.Program) ([]EntryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.logger.Debug().Str("sequence", program.Sequence).Int("samples", program.Length()).Msg("program discarded")
	return results(program), nil
}

func (d *discard) Close() error { return nil }
