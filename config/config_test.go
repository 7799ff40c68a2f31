package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cuelang.org/go/cue/load"
)

const baseYAML = `name: bench
hardware:
  sample_rate: 1e9
  granularity: 10
  n_rep: 500
channels:
  - name: P1
    range: 1000
    delay: 20
    compensation_limits: [-200, 200]
  - name: P2
virtual_gates:
  virtual: [vP1, vP2]
  real: [P1, P2]
  matrix:
    - [1, 0.1]
    - [0.1, 1]
segments:
  - name: init
    ops:
      - op: block
        channel: vP1
        start: 0
        stop: 100
        amplitude: "amp * 2"
      - op: pulse
        channel: P2
        points: [[0, 0], [10, 5], {time: 20, amplitude: 0}]
      - op: reset
sequences:
  - name: main
    steps:
      - segment: init
        repeat: 2
        delay: 10
upload:
  driver: wav
  dir: out
  retry:
    attempts: 3
    min: 10ms
logging:
  level: debug
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, baseYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hardware.SampleRate != 1e9 || cfg.Hardware.Granularity != 10 || cfg.Hardware.Repetitions != 500 {
		t.Fatalf("unexpected hardware: %+v", cfg.Hardware)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0].Delay != 20 || len(cfg.Channels[0].CompensationLimits) != 2 {
		t.Fatalf("unexpected channels: %+v", cfg.Channels)
	}
	if !cfg.VirtualGates.Enabled() || cfg.VirtualGates.Matrix[0][1] != 0.1 {
		t.Fatalf("unexpected virtual gates: %+v", cfg.VirtualGates)
	}
	ops := cfg.Segments[0].Ops
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(ops))
	}
	if !ops[0].Amplitude.IsExpression() || ops[0].Amplitude.Source != "amp * 2" {
		t.Fatalf("expected amplitude expression, got %+v", ops[0].Amplitude)
	}
	if ops[0].Stop.IsExpression() || ops[0].Stop.Value != 100 {
		t.Fatalf("expected literal stop, got %+v", ops[0].Stop)
	}
	points := ops[1].Points
	if len(points) != 3 || points[1].Time.Value != 10 || points[1].Amplitude.Value != 5 || points[2].Time.Value != 20 {
		t.Fatalf("unexpected points: %+v", points)
	}
	step := cfg.Sequences[0].Steps[0]
	if step.Repeat != 2 || step.Delay.Value != 10 {
		t.Fatalf("unexpected step: %+v", step)
	}
	if cfg.Upload.Retry.Min.Duration != 10*time.Millisecond || cfg.Upload.Retry.Attempts != 3 {
		t.Fatalf("unexpected retry: %+v", cfg.Upload.Retry)
	}
	if got := SourceFiles(cfg); len(got) != 1 || got[0] != path {
		t.Fatalf("unexpected sources: %v", got)
	}
}

func TestLoadDirectoryMergesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "10-base.yaml"), baseYAML)
	writeFile(t, filepath.Join(dir, "20-extra.yaml"), `hardware:
  granularity: 16
segments:
  - name: readout
    ops:
      - op: wait
        channel: P1
        duration: 50
sequences:
  - name: full
    steps:
      - segment: init
      - segment: readout
`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hardware.Granularity != 16 || cfg.Hardware.SampleRate != 1e9 {
		t.Fatalf("unexpected merged hardware: %+v", cfg.Hardware)
	}
	if len(cfg.Segments) != 2 || len(cfg.Sequences) != 2 {
		t.Fatalf("expected 2 segments and 2 sequences, got %d and %d", len(cfg.Segments), len(cfg.Sequences))
	}
	if len(SourceFiles(cfg)) != 2 {
		t.Fatalf("expected 2 source files, got %v", SourceFiles(cfg))
	}
}

func TestLoadModuleInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "channels.yaml"), `channels:
  - name: P3
`)
	path := filepath.Join(dir, "main.yaml")
	writeFile(t, path, "modules:\n  - channels.yaml\n"+baseYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Channels) != 3 || cfg.Channels[2].Name != "P3" {
		t.Fatalf("expected included channel, got %+v", cfg.Channels)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "modules: [b.yaml]\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "modules: [a.yaml]\n")
	if _, err := Load(filepath.Join(dir, "a.yaml")); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateRejectsBrokenReferences(t *testing.T) {
	cases := map[string]string{
		"unknown segment": `segments:
  - name: a
    ops: [{op: wait, channel: P1, duration: 1}]
sequences:
  - name: s
    steps: [{segment: b}]
`,
		"unknown op": `segments:
  - name: a
    ops: [{op: sine, channel: P1}]
`,
		"duplicate segment": `segments:
  - name: a
    ops: []
  - name: a
    ops: []
`,
		"sweep without values": `segments:
  - name: a
    ops: [{op: wait, channel: P1, duration: 1}]
sequences:
  - name: s
    steps: [{segment: a}]
sweeps:
  - name: sw
    sequence: s
    param: amp
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, content)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadCUE(t *testing.T) {
	ResetOverlaysForTest()
	path := filepath.Join(t.TempDir(), "config.cue")
	writeFile(t, path, `
_rate: 1000000000
config: {
	hardware: sample_rate: _rate
	channels: [{name: "P1", range: 1000}]
	segments: [{
		name: "init"
		ops: [{op: "block", channel: "P1", start: 0, stop: 10, amplitude: "5 * amp"}]
	}]
	sequences: [{name: "main", steps: [{segment: "init", repeat: 2}]}]
}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hardware.SampleRate != 1e9 {
		t.Fatalf("unexpected sample rate %v", cfg.Hardware.SampleRate)
	}
	if len(cfg.Segments) != 1 || cfg.Segments[0].Ops[0].Amplitude.Source != "5 * amp" {
		t.Fatalf("unexpected segments: %+v", cfg.Segments)
	}
	if cfg.Sequences[0].Steps[0].Repeat != 2 {
		t.Fatalf("unexpected steps: %+v", cfg.Sequences[0].Steps)
	}
}

func TestLoadCUERejectsSchemaViolation(t *testing.T) {
	ResetOverlaysForTest()
	path := filepath.Join(t.TempDir(), "config.cue")
	writeFile(t, path, `config: hardware: sample_rate: -5
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected schema validation error")
	}
}

func TestOverlayRegistry(t *testing.T) {
	ResetOverlaysForTest()
	defer ResetOverlaysForTest()

	if err := RegisterOverlayString("extra/extra.cue", "package extra\n"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterOverlayString("extra/extra.cue", "package extra\n"); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := RegisterOverlay("", load.FromString("")); err == nil {
		t.Fatalf("expected empty path error")
	}
	if err := ensureDefaultOverlays(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	resolved := ResolveOverlays("/base")
	for _, want := range []string{"/base/extra/extra.cue", filepath.Join("/base", schemaOverlayPath), filepath.Join("/base", schemaModulePath)} {
		if _, ok := resolved[want]; !ok {
			t.Fatalf("missing overlay %s in %v", want, resolved)
		}
	}
}

func TestExprMarshalYAML(t *testing.T) {
	if v, _ := Number(3).MarshalYAML(); v != 3.0 {
		t.Fatalf("unexpected literal marshal %v", v)
	}
	if v, _ := Expression(" a + 1 ").MarshalYAML(); v != "a + 1" {
		t.Fatalf("unexpected expression marshal %v", v)
	}
}
