// Package sweep expands a base sequence into one derived sequence per
// parameter value and evaluates numeric expressions against sweep values.
package sweep

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/segment"
	"github.com/timzifer/pulselib/sequencer"
)

// ErrNoValues reports a parameter without values.
var ErrNoValues = errors.New("sweep parameter has no values")

// Param is a named list of sweep values.
type Param struct {
	Name   string
	Values []float64
}

// Values returns a parameter with an explicit value list.
func Values(name string, values ...float64) (Param, error) {
	if name == "" {
		return Param{}, errors.New("sweep parameter name is required")
	}
	if len(values) == 0 {
		return Param{}, fmt.Errorf("%s: %w", name, ErrNoValues)
	}
	return Param{Name: name, Values: append([]float64(nil), values...)}, nil
}

// Linspace returns n evenly spaced values from start to stop inclusive.
func Linspace(name string, start, stop float64, n int) (Param, error) {
	if n < 1 {
		return Param{}, fmt.Errorf("%s: %w", name, ErrNoValues)
	}
	values := make([]float64, n)
	if n == 1 {
		values[0] = start
		return Values(name, values...)
	}
	step := (stop - start) / float64(n-1)
	for i := range values {
		values[i] = start + float64(i)*step
	}
	values[n-1] = stop
	return Values(name, values...)
}

// FromExpression evaluates expression for i = 0..n-1 with i and n in scope,
// e.g. "10 * i" or "start + i * (stop - start) / (n - 1)".
func FromExpression(name, expression string, n int) (Param, error) {
	if n < 1 {
		return Param{}, fmt.Errorf("%s: %w", name, ErrNoValues)
	}
	program, err := compile(expression)
	if err != nil {
		return Param{}, err
	}
	values := make([]float64, n)
	for i := range values {
		v, err := run(program, expression, map[string]interface{}{"i": i, "n": n})
		if err != nil {
			return Param{}, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		values[i] = v
	}
	return Values(name, values...)
}

// FromConfig builds the parameter declared by a sweep configuration.
func FromConfig(cfg config.SweepConfig) (Param, error) {
	switch {
	case len(cfg.Values) > 0:
		return Values(cfg.Param, cfg.Values...)
	case cfg.Linspace != nil:
		return Linspace(cfg.Param, cfg.Linspace.Start, cfg.Linspace.Stop, cfg.Linspace.N)
	case cfg.Expression != "":
		return FromExpression(cfg.Param, cfg.Expression, cfg.N)
	default:
		return Param{}, fmt.Errorf("sweep %s: %w", cfg.Name, ErrNoValues)
	}
}

var cache sync.Map

func compile(src string) (*vm.Program, error) {
	if cached, ok := cache.Load(src); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(src, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", src, err)
	}
	cache.Store(src, program)
	return program, nil
}

func run(program *vm.Program, src string, env map[string]interface{}) (float64, error) {
	out, err := vm.Run(program, env)
	if err != nil {
		return 0, fmt.Errorf("evaluate expression %q: %w", src, err)
	}
	var v float64
	switch n := out.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case int32:
		v = float64(n)
	case nil:
		return 0, fmt.Errorf("expression %q references an undefined variable", src)
	default:
		return 0, fmt.Errorf("expression %q returned %T, want number", src, out)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("expression %q is not finite", src)
	}
	return v, nil
}

// Eval returns the literal value of e or evaluates its expression with env.
func Eval(e config.Expr, env map[string]float64) (float64, error) {
	if !e.IsExpression() {
		return e.Value, nil
	}
	program, err := compile(e.Source)
	if err != nil {
		return 0, err
	}
	vars := make(map[string]interface{}, len(env))
	for k, v := range env {
		vars[k] = v
	}
	return run(program, e.Source, vars)
}

// Cloner creates and registers derived segments and sequences. Unregister
// removes names registered by a failed expansion.
type Cloner interface {
	sequencer.Registry
	CloneSegment(src *segment.Segment, name string) (*segment.Segment, error)
	DeriveSequence(base *sequencer.Sequence, name string, entries ...sequencer.Entry) (*sequencer.Sequence, error)
	Unregister(segments, sequences []string)
}

// Mutator edits the cloned segments of one sweep point. Segments are keyed by
// the name of the base segment they were cloned from.
type Mutator func(value float64, segments map[string]*segment.Segment) error

// Name returns the name of the sequence derived for sweep point i.
func Name(base, param string, i int) string {
	return fmt.Sprintf("%s_%s_%d", base, param, i)
}

// Expand derives one sequence per value of p. Every segment of base is cloned
// per point so the base sequence and its segments stay untouched. Either all
// points are registered or, on error, none of them.
func Expand(lib Cloner, base *sequencer.Sequence, p Param, mutate Mutator) ([]*sequencer.Sequence, error) {
	if len(p.Values) == 0 {
		return nil, fmt.Errorf("%s: %w", p.Name, ErrNoValues)
	}
	entries := base.Entries()
	sources := make([]*segment.Segment, len(entries))
	for j, e := range entries {
		src, err := resolve(lib, e)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: %w", base.Name(), err)
		}
		sources[j] = src
	}

	var segNames, seqNames []string
	out := make([]*sequencer.Sequence, 0, len(p.Values))
	fail := func(name string, err error) ([]*sequencer.Sequence, error) {
		lib.Unregister(segNames, seqNames)
		return nil, fmt.Errorf("sweep %s: %w", name, err)
	}
	for i, value := range p.Values {
		name := Name(base.Name(), p.Name, i)
		clones := make(map[string]*segment.Segment)
		derived := make([]sequencer.Entry, len(entries))
		for j, e := range entries {
			src := sources[j]
			clone, ok := clones[src.Name()]
			if !ok {
				var err error
				clone, err = lib.CloneSegment(src, name+"_"+src.Name())
				if err != nil {
					return fail(name, err)
				}
				segNames = append(segNames, clone.Name())
				clones[src.Name()] = clone
			}
			e.Segment = clone
			e.SegmentName = ""
			derived[j] = e
		}
		if mutate != nil {
			if err := mutate(value, clones); err != nil {
				return fail(name, err)
			}
		}
		seq, err := lib.DeriveSequence(base, name, derived...)
		if err != nil {
			return fail(name, err)
		}
		seqNames = append(seqNames, name)
		out = append(out, seq)
	}
	return out, nil
}

func resolve(lib sequencer.Registry, e sequencer.Entry) (*segment.Segment, error) {
	if e.Segment != nil {
		if !lib.Owns(e.Segment) {
			return nil, fmt.Errorf("%w: %s", sequencer.ErrUnknownSegment, e.Segment.Name())
		}
		return e.Segment, nil
	}
	seg, ok := lib.Lookup(e.SegmentName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sequencer.ErrUnknownSegment, e.SegmentName)
	}
	return seg, nil
}
