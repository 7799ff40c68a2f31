package sequencer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/pulselib/hardware"
	"github.com/timzifer/pulselib/segment"
)

type registry map[string]*segment.Segment

func (r registry) Lookup(name string) (*segment.Segment, bool) {
	seg, ok := r[name]
	return seg, ok
}

func (r registry) Owns(seg *segment.Segment) bool {
	return r[seg.Name()] == seg
}

func blockSegment(t *testing.T, setup *hardware.Setup, name string, amp float64, length float64) *segment.Segment {
	t.Helper()
	seg := segment.New(name, nil, setup)
	require.NoError(t, seg.Channel("P1").AddBlock(0, length, amp))
	return seg
}

func TestFinalizeConcatenatesInOrder(t *testing.T) {
	setup := hardware.Default()
	reg := registry{
		"A": blockSegment(t, setup, "A", 1, 10),
		"B": blockSegment(t, setup, "B", 2, 10),
		"C": blockSegment(t, setup, "C", 3, 10),
	}
	seq, err := New("abc", reg, setup)
	require.NoError(t, err)
	require.NoError(t, seq.Add(
		Entry{SegmentName: "A", Repeat: 1},
		Entry{SegmentName: "B", Repeat: 1},
		Entry{SegmentName: "C", Repeat: 1},
	))

	program, err := seq.Finalize(context.Background())
	require.NoError(t, err)
	require.Equal(t, Finalized, seq.State())
	require.Equal(t, 30, program.Length())
	require.Equal(t, DefaultRepetitions, program.Repetitions)

	buf := program.Concatenate()["P1"]
	require.Len(t, buf, 30)
	require.Equal(t, 1.0, buf[0])
	require.Equal(t, 2.0, buf[10])
	require.Equal(t, 3.0, buf[29])
	require.Equal(t, []string{"A", "B", "C"}, []string{program.Entries[0].Segment, program.Entries[1].Segment, program.Entries[2].Segment})
}

func TestRepeatAndSegmentPointers(t *testing.T) {
	setup := hardware.Default()
	a := blockSegment(t, setup, "A", 1, 10)
	reg := registry{"A": a}
	seq, err := New("rep", reg, setup)
	require.NoError(t, err)
	require.NoError(t, seq.Add(Entry{Segment: a, Repeat: 3}, Entry{SegmentName: "A"}))

	program, err := seq.Finalize(context.Background())
	require.NoError(t, err)
	require.Equal(t, 40, program.Length())
	require.Len(t, program.Concatenate()["P1"], 40)
}

func TestFinalizeUnknownSegmentStaysBuilding(t *testing.T) {
	setup := hardware.Default()
	reg := registry{"A": blockSegment(t, setup, "A", 1, 10)}
	seq, err := New("bad", reg, setup)
	require.NoError(t, err)
	require.NoError(t, seq.Add(Entry{SegmentName: "A"}, Entry{SegmentName: "missing"}))

	_, err = seq.Finalize(context.Background())
	require.True(t, errors.Is(err, ErrUnknownSegment))
	require.Equal(t, Building, seq.State())
	_, ok := seq.Program()
	require.False(t, ok)

	foreign := blockSegment(t, setup, "A", 1, 10)
	other, err := New("foreign", reg, setup)
	require.NoError(t, err)
	require.NoError(t, other.Add(Entry{Segment: foreign}))
	_, err = other.Finalize(context.Background())
	require.True(t, errors.Is(err, ErrUnknownSegment))
}

func TestFinalizeEmptySegmentFails(t *testing.T) {
	setup := hardware.Default()
	reg := registry{"E": segment.New("E", nil, setup)}
	seq, err := New("empty", reg, setup)
	require.NoError(t, err)
	require.NoError(t, seq.Add(Entry{SegmentName: "E"}))
	_, err = seq.Finalize(context.Background())
	require.True(t, errors.Is(err, segment.ErrEmptySegment))
	require.Equal(t, Building, seq.State())
}

func TestStateMachine(t *testing.T) {
	setup := hardware.Default()
	reg := registry{"A": blockSegment(t, setup, "A", 1, 10)}
	seq, err := New("s", reg, setup)
	require.NoError(t, err)

	require.True(t, errors.Is(seq.MarkUploaded(), ErrNotFinalized))
	require.True(t, errors.Is(seq.Add(Entry{SegmentName: "A", Repeat: -1}), ErrInvalidRepeat))
	require.NoError(t, seq.Add(Entry{SegmentName: "A"}))

	first, err := seq.Finalize(context.Background())
	require.NoError(t, err)
	require.True(t, errors.Is(seq.Add(Entry{SegmentName: "A"}), ErrNotBuilding))
	again, err := seq.Finalize(context.Background())
	require.NoError(t, err)
	require.Same(t, first, again)

	require.NoError(t, seq.MarkUploaded())
	require.Equal(t, Uploaded, seq.State())
	require.True(t, errors.Is(seq.MarkUploaded(), ErrNotFinalized))
}

func TestDelayPaddingKeepsLinesEqual(t *testing.T) {
	setup, err := hardware.NewSetup(1e9, 1,
		hardware.Channel{Name: "P1", Delay: 0},
		hardware.Channel{Name: "P2", Delay: 20},
		hardware.Channel{Name: "P3", Delay: -10},
	)
	require.NoError(t, err)
	seg := segment.New("A", nil, setup)
	require.NoError(t, seg.Channel("P1").AddBlock(0, 50, 1))
	require.NoError(t, seg.Channel("P2").AddBlock(0, 50, 1))
	require.NoError(t, seg.Channel("P3").AddBlock(0, 50, 1))
	reg := registry{"A": seg}

	seq, err := New("delay", reg, setup)
	require.NoError(t, err)
	require.NoError(t, seq.Add(Entry{SegmentName: "A", Repeat: 2, LineDelays: map[string]float64{"P1": 5}}))
	program, err := seq.Finalize(context.Background())
	require.NoError(t, err)

	entry := program.Entries[0]
	// effective delays: P1 5, P2 20, P3 -10
	require.Equal(t, 30, entry.Span)
	require.Equal(t, 15, entry.PrePad["P1"])
	require.Equal(t, 0, entry.PrePad["P2"])
	require.Equal(t, 30, entry.PrePad["P3"])
	require.Equal(t, 0, entry.PostPad["P3"])
	require.Equal(t, (50+30)*2, program.Length())

	for name, buf := range program.Concatenate() {
		require.Len(t, buf, program.Length(), name)
	}
	require.Equal(t, 1.0, entry.Channels["P2"][0])
	require.Equal(t, 0.0, entry.Channels["P1"][14])
	require.Equal(t, 1.0, entry.Channels["P1"][15])
}

func TestUniformDelayAddsGap(t *testing.T) {
	setup := hardware.Default()
	reg := registry{"A": blockSegment(t, setup, "A", 1, 10)}
	seq, err := New("gap", reg, setup)
	require.NoError(t, err)
	require.NoError(t, seq.Add(Entry{SegmentName: "A", Delay: 5}, Entry{SegmentName: "A"}))
	program, err := seq.Finalize(context.Background())
	require.NoError(t, err)
	require.Equal(t, 25, program.Length())
	require.Equal(t, 5, program.Entries[0].PostPad["P1"])
}

func TestDCCompensation(t *testing.T) {
	setup, err := hardware.NewSetup(1e9, 10,
		hardware.Channel{Name: "P1", CompensationLimits: hardware.Limits{Min: -50, Max: 100}},
		hardware.Channel{Name: "P2"},
	)
	require.NoError(t, err)
	seg := segment.New("A", nil, setup)
	require.NoError(t, seg.Channel("P1").AddBlock(0, 100, 20))
	require.NoError(t, seg.Channel("P2").AddBlock(0, 100, 20))
	reg := registry{"A": seg}

	seq, err := New("dc", reg, setup, WithCompensation(true), WithRepetitions(5))
	require.NoError(t, err)
	require.NoError(t, seq.Add(Entry{SegmentName: "A"}))
	program, err := seq.Finalize(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, program.Repetitions)

	require.Len(t, program.Entries, 2)
	comp := program.Entries[1]
	require.True(t, comp.Compensation)
	// 2000 mV·ns at -50 mV needs 40 ns
	require.Equal(t, 40, comp.Samples)
	require.InDelta(t, -50.0, comp.Channels["P1"][0], 1e-9)
	require.Equal(t, 0.0, comp.Channels["P2"][0])

	integrals := program.Integral()
	require.InDelta(t, 0, integrals["P1"], 1e-6)
	require.InDelta(t, 2000, integrals["P2"], 1e-6)
}

func TestDCCompensationRoundsToGranularity(t *testing.T) {
	setup, err := hardware.NewSetup(1e9, 16,
		hardware.Channel{Name: "P1", CompensationLimits: hardware.Limits{Min: -100, Max: 100}},
	)
	require.NoError(t, err)
	seg := segment.New("A", nil, setup)
	require.NoError(t, seg.Channel("P1").AddBlock(0, 32, -50))
	seq, err := New("dc", registry{"A": seg}, setup, WithCompensation(true))
	require.NoError(t, err)
	require.NoError(t, seq.Add(Entry{SegmentName: "A"}))
	program, err := seq.Finalize(context.Background())
	require.NoError(t, err)

	comp := program.Entries[len(program.Entries)-1]
	require.Equal(t, 16, comp.Samples)
	require.InDelta(t, 100.0, comp.Channels["P1"][0], 1e-9)
	require.Less(t, math.Abs(program.Integral()["P1"]), 1e-6)
}

func TestWithRepetitionsRejectsZero(t *testing.T) {
	_, err := New("s", registry{}, nil, WithRepetitions(0))
	require.True(t, errors.Is(err, ErrInvalidRepeat))
}

func TestCompensationOffByDefault(t *testing.T) {
	seq, err := New("s", registry{}, nil)
	require.NoError(t, err)
	require.False(t, seq.Compensation())
	require.Equal(t, DefaultRepetitions, seq.Repetitions())
}
