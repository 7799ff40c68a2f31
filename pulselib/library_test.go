package pulselib

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/pulselib/gates"
	"github.com/timzifer/pulselib/hardware"
	"github.com/timzifer/pulselib/segment"
	"github.com/timzifer/pulselib/sequencer"
	"github.com/timzifer/pulselib/telemetry"
	"github.com/timzifer/pulselib/upload"
)

type uploadRecorder struct {
	telemetry.Collector
	mu      sync.Mutex
	drivers []string
	errs    []error
}

func newUploadRecorder() *uploadRecorder {
	return &uploadRecorder{Collector: telemetry.Noop()}
}

func (r *uploadRecorder) IncUpload(driver string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers = append(r.drivers, driver)
	r.errs = append(r.errs, err)
}

func newTestLibrary(t *testing.T, opts ...Option) (*Library, *upload.Memory) {
	t.Helper()
	mem := upload.NewMemory()
	lib, err := New(context.Background(), append([]Option{WithUploader("memory", mem)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })
	return lib, mem
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	lib, _ := newTestLibrary(t)

	seg, err := lib.NewSegment("init")
	require.NoError(t, err)
	_, err = lib.NewSegment("init")
	require.ErrorIs(t, err, ErrDuplicateSegment)

	got, ok := lib.Segment("init")
	require.True(t, ok)
	require.Same(t, seg, got)
	require.True(t, lib.Owns(seg))
	require.False(t, lib.Owns(segment.New("init", nil, nil)))

	require.NoError(t, seg.Channel("P1").AddBlock(0, 10, 1))
	_, err = lib.DefineSequence("b", Step{Segment: "init"})
	require.NoError(t, err)
	_, err = lib.DefineSequence("a", Step{Segment: "init", Repeat: 2})
	require.NoError(t, err)
	_, err = lib.DefineSequence("a", Step{Segment: "init"})
	require.ErrorIs(t, err, ErrDuplicateSequence)
	require.Equal(t, []string{"a", "b"}, lib.Sequences())
}

func TestCloneSegment(t *testing.T) {
	lib, _ := newTestLibrary(t)
	seg, err := lib.NewSegment("init")
	require.NoError(t, err)
	require.NoError(t, seg.Channel("P1").AddBlock(0, 10, 1))

	clone, err := lib.CloneSegment(seg, "copy")
	require.NoError(t, err)
	require.NoError(t, clone.Channel("P1").AddBlock(0, 20, 1))
	require.Equal(t, 10.0, seg.End())
	require.Equal(t, 20.0, clone.End())

	_, err = lib.CloneSegment(seg, "copy")
	require.ErrorIs(t, err, ErrDuplicateSegment)
	_, err = lib.CloneSegment(segment.New("foreign", nil, nil), "other")
	require.ErrorIs(t, err, sequencer.ErrUnknownSegment)
}

func TestStartUploadsOnce(t *testing.T) {
	rec := newUploadRecorder()
	lib, mem := newTestLibrary(t, WithTelemetry(rec))
	for _, name := range []string{"A", "B", "C"} {
		seg, err := lib.NewSegment(name)
		require.NoError(t, err)
		require.NoError(t, seg.Channel("P1").AddBlock(0, 10, 1))
	}
	seq, err := lib.DefineSequence("abc", Step{Segment: "A"}, Step{Segment: "B"}, Step{Segment: "C"})
	require.NoError(t, err)

	program, err := lib.Start(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 30, program.Length())
	require.Equal(t, sequencer.Uploaded, seq.State())

	again, err := lib.Start(context.Background(), "abc")
	require.NoError(t, err)
	require.Same(t, program, again)
	require.Len(t, mem.Programs(), 1)
	require.Equal(t, []string{"memory"}, rec.drivers)
	require.NoError(t, rec.errs[0])
}

func TestStartUploadFailureKeepsProgram(t *testing.T) {
	rec := newUploadRecorder()
	lib, mem := newTestLibrary(t, WithTelemetry(rec))
	seg, err := lib.NewSegment("init")
	require.NoError(t, err)
	require.NoError(t, seg.Channel("P1").AddBlock(0, 10, 1))
	seq, err := lib.DefineSequence("main", Step{Segment: "init"})
	require.NoError(t, err)

	down := errors.New("awg offline")
	mem.FailNext(down)
	_, err = lib.Start(context.Background(), "main")
	require.ErrorIs(t, err, down)
	require.Equal(t, sequencer.Finalized, seq.State())

	_, err = lib.Start(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, sequencer.Uploaded, seq.State())
	require.Len(t, rec.errs, 2)
	require.ErrorIs(t, rec.errs[0], down)
}

func TestStartUnknownSequence(t *testing.T) {
	lib, _ := newTestLibrary(t)
	_, err := lib.Start(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownSequence)
}

func TestStartUnknownSegmentStaysBuilding(t *testing.T) {
	lib, mem := newTestLibrary(t)
	seq, err := lib.DefineSequence("main", Step{Segment: "missing"})
	require.NoError(t, err)
	_, err = lib.Start(context.Background(), "main")
	require.ErrorIs(t, err, sequencer.ErrUnknownSegment)
	require.Equal(t, sequencer.Building, seq.State())
	require.Empty(t, mem.Programs())
}

func TestVirtualGatesMixIntoRealLines(t *testing.T) {
	setup, err := hardware.NewSetup(1e9, 1, hardware.Channel{Name: "P1"}, hardware.Channel{Name: "P2"})
	require.NoError(t, err)
	lib, _ := newTestLibrary(t, WithSetup(setup))
	require.NoError(t, lib.SetVirtualGates([]string{"vP1", "vP2"}, []string{"P1", "P2"}, [][]float64{{1, 0}, {0.5, 1}}))
	require.ErrorContains(t, lib.SetVirtualGates([]string{"vP1"}, []string{"P9"}, [][]float64{{1}}), "not a hardware channel")
	require.True(t, lib.VirtualGates().IsVirtual("vP2"))

	seg, err := lib.NewSegment("init")
	require.NoError(t, err)
	require.Same(t, lib.VirtualGates(), seg.Matrix())
	require.NoError(t, seg.Channel("vP1").AddBlock(0, 10, 10))
	_, err = lib.DefineSequence("main", Step{Segment: "init"})
	require.NoError(t, err)

	program, err := lib.Start(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, []string{"P1", "P2"}, program.Channels)
	buf := program.Concatenate()
	require.Equal(t, 10.0, buf["P1"][0])
	require.Equal(t, 5.0, buf["P2"][9])
}

func TestUnregisterRemovesNames(t *testing.T) {
	lib, _ := newTestLibrary(t)
	seg, err := lib.NewSegment("init")
	require.NoError(t, err)
	require.NoError(t, seg.Channel("P1").AddBlock(0, 10, 1))
	_, err = lib.DefineSequence("main", Step{Segment: "init"})
	require.NoError(t, err)

	lib.Unregister([]string{"init"}, []string{"main"})
	_, ok := lib.Segment("init")
	require.False(t, ok)
	require.False(t, lib.Owns(seg))
	require.Empty(t, lib.Sequences())

	_, err = lib.NewSegment("init")
	require.NoError(t, err)
}

func TestSetVirtualGatesRejectsHardwareNames(t *testing.T) {
	setup, err := hardware.NewSetup(1e9, 1, hardware.Channel{Name: "P1"}, hardware.Channel{Name: "P2"})
	require.NoError(t, err)
	lib, _ := newTestLibrary(t, WithSetup(setup))

	err = lib.SetVirtualGates([]string{"P1", "vP2"}, []string{"P1", "P2"}, [][]float64{{1, 0}, {0, 1}})
	require.ErrorIs(t, err, gates.ErrInvalidGateNames)
	err = lib.SetVirtualGates([]string{"P2"}, []string{"P1"}, [][]float64{{1}})
	require.ErrorIs(t, err, gates.ErrInvalidGateNames)
	require.ErrorContains(t, err, "virtual gate P2 is a hardware channel")
	require.Empty(t, lib.VirtualGates().VirtualNames())
}

func TestSequenceDefaultsFromOptions(t *testing.T) {
	lib, _ := newTestLibrary(t, WithRepetitions(7), WithCompensation(true))
	seq, err := lib.DefineSequence("main")
	require.NoError(t, err)
	require.Equal(t, 7, seq.Repetitions())
	require.True(t, seq.Compensation())

	_, err = New(context.Background(), WithSetup(nil))
	require.Error(t, err)
}
