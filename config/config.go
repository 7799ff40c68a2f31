package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Expr is a numeric field that holds either a literal number or an
// expression evaluated against sweep parameters, e.g. "10 + amp".
type Expr struct {
	Value  float64
	Source string
}

// Number returns a literal Expr.
func Number(v float64) Expr { return Expr{Value: v} }

// Expression returns an Expr evaluated at build time.
func Expression(src string) Expr { return Expr{Source: strings.TrimSpace(src)} }

// IsExpression reports whether the field needs evaluation.
func (e Expr) IsExpression() bool { return e.Source != "" }

func (e Expr) String() string {
	if e.IsExpression() {
		return e.Source
	}
	return fmt.Sprintf("%g", e.Value)
}

// UnmarshalYAML accepts numbers and expression strings.
func (e *Expr) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind != yaml.ScalarNode {
		return errors.New("expression must be a scalar")
	}
	var number float64
	if err := value.Decode(&number); err == nil {
		*e = Number(number)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode expression: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return errors.New("expression must not be empty")
	}
	*e = Expression(raw)
	return nil
}

// MarshalYAML renders literals as numbers and expressions as strings.
func (e Expr) MarshalYAML() (interface{}, error) {
	if e.IsExpression() {
		return e.Source, nil
	}
	return e.Value, nil
}

// ModuleInclude references an additional configuration file merged into the
// including one.
type ModuleInclude struct {
	Path string
}

// UnmarshalYAML allows module includes to be declared either as scalar strings or structured objects.
func (m *ModuleInclude) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("module include node is nil")
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var path string
		if err := value.Decode(&path); err != nil {
			return fmt.Errorf("decode module path: %w", err)
		}
		m.Path = strings.TrimSpace(path)
	case yaml.MappingNode:
		var raw struct {
			Path string `yaml:"path"`
		}
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode module include: %w", err)
		}
		m.Path = strings.TrimSpace(raw.Path)
	default:
		return errors.New("module include must be a path or mapping")
	}
	if m.Path == "" {
		return errors.New("module include missing path")
	}
	return nil
}

// HardwareConfig describes the targeted AWG.
type HardwareConfig struct {
	SampleRate     float64 `yaml:"sample_rate,omitempty"`
	Granularity    int     `yaml:"granularity,omitempty"`
	DCCompensation bool    `yaml:"dc_compensation,omitempty"`
	Repetitions    int     `yaml:"n_rep,omitempty"`
}

// ChannelConfig describes one physical AWG line.
type ChannelConfig struct {
	Name               string    `yaml:"name"`
	AWG                string    `yaml:"awg,omitempty"`
	Number             int       `yaml:"channel,omitempty"`
	Range              float64   `yaml:"range,omitempty"`
	Attenuation        float64   `yaml:"attenuation,omitempty"`
	Delay              float64   `yaml:"delay,omitempty"`
	Offset             float64   `yaml:"offset,omitempty"`
	CompensationLimits []float64 `yaml:"compensation_limits,omitempty"`
}

// VirtualGateConfig holds the virtual gate matrix M[real][virtual].
type VirtualGateConfig struct {
	Virtual []string    `yaml:"virtual"`
	Real    []string    `yaml:"real"`
	Matrix  [][]float64 `yaml:"matrix"`
}

// Enabled reports whether any virtual gate was declared.
func (v VirtualGateConfig) Enabled() bool {
	return len(v.Virtual) > 0 || len(v.Real) > 0 || len(v.Matrix) > 0
}

// Operation kinds accepted in segment definitions.
const (
	OpBlock  = "block"
	OpRamp   = "ramp"
	OpPulse  = "pulse"
	OpWait   = "wait"
	OpExtend = "extend"
	OpReset  = "reset"
)

var knownOps = map[string]struct{}{
	OpBlock: {}, OpRamp: {}, OpPulse: {}, OpWait: {}, OpExtend: {}, OpReset: {},
}

// PointConfig is a pulse breakpoint written as [time, amplitude] or as a mapping.
type PointConfig struct {
	Time      Expr `yaml:"time"`
	Amplitude Expr `yaml:"amplitude"`
}

// UnmarshalYAML accepts the [time, amplitude] shorthand.
func (p *PointConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("point node is nil")
	}
	if value.Kind == yaml.SequenceNode {
		if len(value.Content) != 2 {
			return fmt.Errorf("point needs [time, amplitude], got %d values", len(value.Content))
		}
		if err := value.Content[0].Decode(&p.Time); err != nil {
			return fmt.Errorf("decode point time: %w", err)
		}
		if err := value.Content[1].Decode(&p.Amplitude); err != nil {
			return fmt.Errorf("decode point amplitude: %w", err)
		}
		return nil
	}
	type rawPoint PointConfig
	var raw rawPoint
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode point: %w", err)
	}
	*p = PointConfig(raw)
	return nil
}

// OperationConfig is one timeline edit. Segment is only used by sweep
// operations to address a segment of the base sequence.
type OperationConfig struct {
	Op        string        `yaml:"op"`
	Segment   string        `yaml:"segment,omitempty"`
	Channel   string        `yaml:"channel,omitempty"`
	Start     Expr          `yaml:"start,omitempty"`
	Stop      Expr          `yaml:"stop,omitempty"`
	Amplitude Expr          `yaml:"amplitude,omitempty"`
	From      Expr          `yaml:"from,omitempty"`
	To        Expr          `yaml:"to,omitempty"`
	Duration  Expr          `yaml:"duration,omitempty"`
	Points    []PointConfig `yaml:"points,omitempty"`
}

// SegmentConfig declares a segment built from operations in order.
type SegmentConfig struct {
	Name string            `yaml:"name"`
	Ops  []OperationConfig `yaml:"ops"`
}

// StepConfig is one (segment, repeat, delay) sequence step.
type StepConfig struct {
	Segment    string             `yaml:"segment"`
	Repeat     int                `yaml:"repeat,omitempty"`
	Delay      Expr               `yaml:"delay,omitempty"`
	LineDelays map[string]float64 `yaml:"line_delays,omitempty"`
}

// SequenceConfig declares a named sequence.
type SequenceConfig struct {
	Name           string       `yaml:"name"`
	Steps          []StepConfig `yaml:"steps"`
	DCCompensation *bool        `yaml:"dc_compensation,omitempty"`
	Repetitions    int          `yaml:"n_rep,omitempty"`
}

// LinspaceConfig produces N evenly spaced values including both ends.
type LinspaceConfig struct {
	Start float64 `yaml:"start"`
	Stop  float64 `yaml:"stop"`
	N     int     `yaml:"n"`
}

// SweepConfig expands a base sequence into one sequence per parameter value.
// Exactly one of Values, Linspace or Expression provides the values.
type SweepConfig struct {
	Name       string            `yaml:"name"`
	Sequence   string            `yaml:"sequence"`
	Param      string            `yaml:"param"`
	Values     []float64         `yaml:"values,omitempty"`
	Linspace   *LinspaceConfig   `yaml:"linspace,omitempty"`
	Expression string            `yaml:"expression,omitempty"`
	N          int               `yaml:"n,omitempty"`
	Ops        []OperationConfig `yaml:"ops"`
}

// RetryConfig configures upload retries.
type RetryConfig struct {
	Attempts int      `yaml:"attempts,omitempty"`
	Min      Duration `yaml:"min,omitempty"`
	Max      Duration `yaml:"max,omitempty"`
	Factor   float64  `yaml:"factor,omitempty"`
}

// UploadConfig selects the upload driver.
type UploadConfig struct {
	Driver string `yaml:"driver,omitempty"`
	Dir    string `yaml:"dir,omitempty"`
	// FullScale is the amplitude in mV mapped to the largest WAV sample value.
	FullScale float64     `yaml:"full_scale,omitempty"`
	Retry     RetryConfig `yaml:"retry,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
}

// WorkerSlots configures render concurrency.
type WorkerSlots struct {
	Render int `yaml:"render,omitempty"`
}

// Config is the root configuration structure.
type Config struct {
	Name         string             `yaml:"name,omitempty"`
	Description  string             `yaml:"description,omitempty"`
	Modules      []ModuleInclude    `yaml:"modules,omitempty"`
	Hardware     HardwareConfig     `yaml:"hardware"`
	Channels     []ChannelConfig    `yaml:"channels"`
	VirtualGates VirtualGateConfig  `yaml:"virtual_gates"`
	Segments     []SegmentConfig    `yaml:"segments"`
	Sequences    []SequenceConfig   `yaml:"sequences"`
	Sweeps       []SweepConfig      `yaml:"sweeps,omitempty"`
	Params       map[string]float64 `yaml:"params,omitempty"`
	Upload       UploadConfig       `yaml:"upload"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Workers      WorkerSlots        `yaml:"workers,omitempty"`
	HotReload    bool               `yaml:"hot_reload,omitempty"`
	// Sources lists the files that contributed to the configuration.
	Sources []string `yaml:"-"`
}

// Load reads and decodes the configuration from a YAML or CUE file, or from a
// directory whose *.yaml, *.yml and *.cue files are merged in name order.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	visited := make(map[string]struct{})
	var cfg *Config
	if info.IsDir() {
		cfg, err = loadDir(abs, visited)
	} else {
		cfg, err = loadFile(abs, visited)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	var (
		cfg *Config
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		cfg, err = loadCUE(path)
	default:
		cfg, err = loadYAML(path)
	}
	if err != nil {
		return nil, err
	}
	cfg.Sources = append([]string{path}, cfg.Sources...)

	includes := cfg.Modules
	cfg.Modules = nil
	for _, include := range includes {
		target := include.Path
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		info, err := os.Stat(target)
		if err != nil {
			return nil, fmt.Errorf("config %s: include %s: %w", path, include.Path, err)
		}
		var child *Config
		if info.IsDir() {
			child, err = loadDir(target, visited)
		} else {
			child, err = loadFile(target, visited)
		}
		if err != nil {
			return nil, err
		}
		mergeConfig(cfg, child)
	}
	return cfg, nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

func loadDir(path string, visited map[string]struct{}) (*Config, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".cue":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	merged := &Config{}
	for _, name := range names {
		cfg, err := loadFile(filepath.Join(path, name), visited)
		if err != nil {
			return nil, err
		}
		mergeConfig(merged, cfg)
	}
	return merged, nil
}

func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.Hardware.SampleRate != 0 {
		dst.Hardware.SampleRate = src.Hardware.SampleRate
	}
	if src.Hardware.Granularity != 0 {
		dst.Hardware.Granularity = src.Hardware.Granularity
	}
	if src.Hardware.Repetitions != 0 {
		dst.Hardware.Repetitions = src.Hardware.Repetitions
	}
	if src.Hardware.DCCompensation {
		dst.Hardware.DCCompensation = true
	}
	if src.VirtualGates.Enabled() {
		dst.VirtualGates = src.VirtualGates
	}
	if src.Upload != (UploadConfig{}) {
		dst.Upload = src.Upload
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Logging.Loki.Enabled || src.Logging.Loki.URL != "" || len(src.Logging.Loki.Labels) > 0 {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry != (TelemetryConfig{}) {
		dst.Telemetry = src.Telemetry
	}
	if src.Workers != (WorkerSlots{}) {
		dst.Workers = src.Workers
	}
	if src.HotReload {
		dst.HotReload = true
	}

	if len(src.Params) > 0 && dst.Params == nil {
		dst.Params = make(map[string]float64, len(src.Params))
	}
	for k, v := range src.Params {
		dst.Params[k] = v
	}

	dst.Channels = append(dst.Channels, src.Channels...)
	dst.Segments = append(dst.Segments, src.Segments...)
	dst.Sequences = append(dst.Sequences, src.Sequences...)
	dst.Sweeps = append(dst.Sweeps, src.Sweeps...)
	dst.Sources = append(dst.Sources, src.Sources...)
}

// Validate checks structural consistency that does not need evaluation.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Hardware.SampleRate < 0 || math.IsNaN(c.Hardware.SampleRate) {
		return fmt.Errorf("hardware: sample_rate %v must be positive", c.Hardware.SampleRate)
	}
	if c.Hardware.Granularity < 0 {
		return fmt.Errorf("hardware: granularity %d must not be negative", c.Hardware.Granularity)
	}
	for _, ch := range c.Channels {
		if n := len(ch.CompensationLimits); n != 0 && n != 2 {
			return fmt.Errorf("channel %s: compensation_limits needs [min, max], got %d values", ch.Name, n)
		}
	}

	segments, err := uniqueNames("segment", len(c.Segments), func(i int) string { return c.Segments[i].Name })
	if err != nil {
		return err
	}
	for _, seg := range c.Segments {
		for i, op := range seg.Ops {
			if err := validateOp(op); err != nil {
				return fmt.Errorf("segment %s: op %d: %w", seg.Name, i, err)
			}
		}
	}

	sequences, err := uniqueNames("sequence", len(c.Sequences), func(i int) string { return c.Sequences[i].Name })
	if err != nil {
		return err
	}
	for _, seq := range c.Sequences {
		if len(seq.Steps) == 0 {
			return fmt.Errorf("sequence %s: no steps", seq.Name)
		}
		for _, step := range seq.Steps {
			if _, ok := segments[step.Segment]; !ok {
				return fmt.Errorf("sequence %s: unknown segment %q", seq.Name, step.Segment)
			}
			if step.Repeat < 0 {
				return fmt.Errorf("sequence %s: step %s: repeat %d must not be negative", seq.Name, step.Segment, step.Repeat)
			}
		}
	}

	if _, err := uniqueNames("sweep", len(c.Sweeps), func(i int) string { return c.Sweeps[i].Name }); err != nil {
		return err
	}
	for _, sw := range c.Sweeps {
		if _, ok := sequences[sw.Sequence]; !ok {
			return fmt.Errorf("sweep %s: unknown sequence %q", sw.Name, sw.Sequence)
		}
		if strings.TrimSpace(sw.Param) == "" {
			return fmt.Errorf("sweep %s: param must not be empty", sw.Name)
		}
		sources := 0
		if len(sw.Values) > 0 {
			sources++
		}
		if sw.Linspace != nil {
			sources++
		}
		if sw.Expression != "" {
			sources++
		}
		if sources != 1 {
			return fmt.Errorf("sweep %s: exactly one of values, linspace or expression is required", sw.Name)
		}
		for i, op := range sw.Ops {
			if err := validateOp(op); err != nil {
				return fmt.Errorf("sweep %s: op %d: %w", sw.Name, i, err)
			}
			if op.Segment == "" {
				return fmt.Errorf("sweep %s: op %d: segment is required", sw.Name, i)
			}
		}
	}
	return nil
}

func validateOp(op OperationConfig) error {
	if _, ok := knownOps[op.Op]; !ok {
		return fmt.Errorf("unknown op %q", op.Op)
	}
	if op.Op != OpReset && op.Op != OpExtend && strings.TrimSpace(op.Channel) == "" {
		return fmt.Errorf("%s needs a channel", op.Op)
	}
	if op.Op == OpPulse && len(op.Points) < 2 {
		return fmt.Errorf("pulse needs at least 2 points, got %d", len(op.Points))
	}
	return nil
}

func uniqueNames(kind string, n int, name func(int) string) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := strings.TrimSpace(name(i))
		if id == "" {
			return nil, fmt.Errorf("%s %d: name must not be empty", kind, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%s %s defined twice", kind, id)
		}
		seen[id] = struct{}{}
	}
	return seen, nil
}
