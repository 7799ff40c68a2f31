package upload

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/hardware"
	"github.com/timzifer/pulselib/sequencer"
)

const (
	wavBitDepth = 16
	wavPCM      = 1
	wavMaxValue = 1<<(wavBitDepth-1) - 1
)

func init() {
	Register("wav", newWAV)
}

// WAV writes every program entry as one interleaved 16 bit PCM file. Channels
// appear in program order and the entry repeat count is kept in the result.
type WAV struct {
	dir       string
	fullScale float64
	logger    zerolog.Logger
}

func newWAV(cfg config.UploadConfig, logger zerolog.Logger) (Uploader, error) {
	return NewWAV(cfg.Dir, cfg.FullScale, logger)
}

// NewWAV creates the output directory. fullScale is the amplitude in mV
// written as the largest sample value; zero selects hardware.DefaultRange.
func NewWAV(dir string, fullScale float64, logger zerolog.Logger) (*WAV, error) {
	if dir == "" {
		return nil, errors.New("wav upload requires dir")
	}
	if fullScale < 0 || math.IsNaN(fullScale) {
		return nil, fmt.Errorf("invalid wav full scale %v", fullScale)
	}
	if fullScale == 0 {
		fullScale = hardware.DefaultRange
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wav dir: %w", err)
	}
	return &WAV{dir: dir, fullScale: fullScale, logger: logger}, nil
}

func (w *WAV) Upload(ctx context.Context, program *sequencer.Program) ([]EntryResult, error) {
	if len(program.Channels) == 0 {
		return nil, errors.New("wav upload needs at least one channel")
	}
	out := results(program)
	for i, entry := range program.Entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		path := filepath.Join(w.dir, fmt.Sprintf("%s_%03d_%s.wav", program.Sequence, i, entry.Segment))
		out[i].Location = path
		if err := w.write(path, program, entry); err != nil {
			out[i].Err = err
			w.logger.Error().Err(err).Str("file", path).Msg("write wav entry")
			continue
		}
		w.logger.Debug().Str("file", path).Int("samples", entry.Width()).Int("repeat", entry.Repeat).Msg("wav entry written")
	}
	return out, Failed(out)
}

func (w *WAV) write(path string, program *sequencer.Program, entry sequencer.ProgramEntry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	channels := len(program.Channels)
	rate := int(math.Round(program.SampleRate))
	width := entry.Width()
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           make([]int, width*channels),
		SourceBitDepth: wavBitDepth,
	}
	for c, name := range program.Channels {
		samples := entry.Channels[name]
		for i := 0; i < width && i < len(samples); i++ {
			buf.Data[i*channels+c] = w.quantize(samples[i])
		}
	}

	enc := wav.NewEncoder(f, rate, wavBitDepth, channels, wavPCM)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish wav: %w", err)
	}
	return nil
}

func (w *WAV) quantize(v float64) int {
	scaled := math.Round(v / w.fullScale * wavMaxValue)
	return int(math.Max(-wavMaxValue, math.Min(wavMaxValue, scaled)))
}

func (w *WAV) Close() error { return nil }
