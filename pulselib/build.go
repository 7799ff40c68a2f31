package pulselib

import (
	"context"
	"fmt"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/hardware"
	"github.com/timzifer/pulselib/pulse"
	"github.com/timzifer/pulselib/segment"
	"github.com/timzifer/pulselib/sweep"
)

// SetupFromConfig converts the hardware and channel sections.
func SetupFromConfig(cfg *config.Config) (*hardware.Setup, error) {
	rate := cfg.Hardware.SampleRate
	if rate == 0 {
		rate = hardware.DefaultSampleRate
	}
	channels := make([]hardware.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		hw := hardware.Channel{
			Name:        ch.Name,
			AWG:         ch.AWG,
			Number:      ch.Number,
			Range:       ch.Range,
			Attenuation: ch.Attenuation,
			Delay:       ch.Delay,
			Offset:      ch.Offset,
		}
		if len(ch.CompensationLimits) == 2 {
			hw.CompensationLimits = hardware.Limits{Min: ch.CompensationLimits[0], Max: ch.CompensationLimits[1]}
		}
		channels = append(channels, hw)
	}
	return hardware.NewSetup(rate, cfg.Hardware.Granularity, channels...)
}

// Build declares the virtual gates, segments, sequences and sweeps of cfg.
// Expressions in segment operations see cfg.Params; sweep operations also
// see the swept parameter.
func (l *Library) Build(cfg *config.Config) error {
	return l.build(context.Background(), cfg)
}

func (l *Library) build(ctx context.Context, cfg *config.Config) error {
	if cfg.VirtualGates.Enabled() {
		vg := cfg.VirtualGates
		if err := l.SetVirtualGates(vg.Virtual, vg.Real, vg.Matrix); err != nil {
			return fmt.Errorf("virtual gates: %w", err)
		}
	}
	for _, sc := range cfg.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg, err := l.NewSegment(sc.Name)
		if err != nil {
			return err
		}
		for i, op := range sc.Ops {
			if err := applyOp(seg, op, cfg.Params); err != nil {
				return fmt.Errorf("segment %s: op %d (%s): %w", sc.Name, i, op.Op, err)
			}
		}
	}
	for _, sc := range cfg.Sequences {
		entries := make([]Step, len(sc.Steps))
		for i, step := range sc.Steps {
			delay, err := sweep.Eval(step.Delay, cfg.Params)
			if err != nil {
				return fmt.Errorf("sequence %s: step %d delay: %w", sc.Name, i, err)
			}
			entries[i] = Step{Segment: step.Segment, Repeat: step.Repeat, Delay: delay, LineDelays: step.LineDelays}
		}
		compensation := l.settings.compensation
		if sc.DCCompensation != nil {
			compensation = sc.DCCompensation
		}
		repetitions := l.settings.repetitions
		if sc.Repetitions != 0 {
			repetitions = sc.Repetitions
		}
		if _, err := l.defineSequence(sc.Name, l.sequenceOptions(compensation, repetitions), stepEntries(entries)); err != nil {
			return err
		}
	}
	for _, sw := range cfg.Sweeps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.buildSweep(sw, cfg.Params); err != nil {
			return fmt.Errorf("sweep %s: %w", sw.Name, err)
		}
	}
	return nil
}

func (l *Library) buildSweep(sw config.SweepConfig, params map[string]float64) error {
	base, ok := l.Sequence(sw.Sequence)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, sw.Sequence)
	}
	p, err := sweep.FromConfig(sw)
	if err != nil {
		return err
	}
	seqs, err := sweep.Expand(l, base, p, func(value float64, segs map[string]*segment.Segment) error {
		env := make(map[string]float64, len(params)+1)
		for k, v := range params {
			env[k] = v
		}
		env[p.Name] = value
		for i, op := range sw.Ops {
			seg, ok := segs[op.Segment]
			if !ok {
				return fmt.Errorf("op %d: segment %s is not part of sequence %s", i, op.Segment, base.Name())
			}
			if err := applyOp(seg, op, env); err != nil {
				return fmt.Errorf("op %d (%s): %w", i, op.Op, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	names := make([]string, len(seqs))
	for i, seq := range seqs {
		names[i] = seq.Name()
	}
	l.mu.Lock()
	l.sweeps[sw.Name] = names
	l.mu.Unlock()
	l.logger.Debug().Str("sweep", sw.Name).Str("param", p.Name).Int("points", len(names)).Msg("sweep expanded")
	return nil
}

type evaluator struct {
	env map[string]float64
	err error
}

func (e *evaluator) eval(field string, x config.Expr) float64 {
	if e.err != nil {
		return 0
	}
	v, err := sweep.Eval(x, e.env)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", field, err)
	}
	return v
}

func applyOp(seg *segment.Segment, op config.OperationConfig, env map[string]float64) error {
	ev := &evaluator{env: env}
	switch op.Op {
	case config.OpBlock:
		start, stop, amp := ev.eval("start", op.Start), ev.eval("stop", op.Stop), ev.eval("amplitude", op.Amplitude)
		if ev.err != nil {
			return ev.err
		}
		return seg.Channel(op.Channel).AddBlock(start, stop, amp)
	case config.OpRamp:
		start, stop := ev.eval("start", op.Start), ev.eval("stop", op.Stop)
		from, to := ev.eval("from", op.From), ev.eval("to", op.To)
		if ev.err != nil {
			return ev.err
		}
		return seg.Channel(op.Channel).AddRamp(start, stop, from, to)
	case config.OpPulse:
		points := make([]pulse.Point, len(op.Points))
		for i, p := range op.Points {
			points[i] = pulse.Point{
				Time:      ev.eval(fmt.Sprintf("points[%d].time", i), p.Time),
				Amplitude: ev.eval(fmt.Sprintf("points[%d].amplitude", i), p.Amplitude),
			}
		}
		if ev.err != nil {
			return ev.err
		}
		return seg.Channel(op.Channel).AddPulse(points)
	case config.OpWait:
		d := ev.eval("duration", op.Duration)
		if ev.err != nil {
			return ev.err
		}
		return seg.Channel(op.Channel).Wait(d)
	case config.OpExtend:
		d := ev.eval("duration", op.Duration)
		if ev.err != nil {
			return ev.err
		}
		if op.Channel != "" {
			return seg.Channel(op.Channel).Extend(d)
		}
		return seg.Extend(d)
	case config.OpReset:
		if op.Channel != "" {
			seg.Channel(op.Channel).ResetTime()
			return nil
		}
		seg.ResetTime()
		return nil
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}
