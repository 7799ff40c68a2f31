package config

import (
	"fmt"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"
)

// loadCUE evaluates a CUE file. The configuration is read from its top-level
// "config" field when present, otherwise from the whole file, and validated
// against #Config.
func loadCUE(path string) (*Config, error) {
	if err := ensureDefaultOverlays(); err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	insts := load.Instances([]string{path}, &load.Config{
		Dir:     dir,
		Overlay: ResolveOverlays(dir),
	})
	if len(insts) != 1 {
		return nil, fmt.Errorf("load cue %s: expected one instance, got %d", path, len(insts))
	}
	if err := insts[0].Err; err != nil {
		return nil, fmt.Errorf("load cue %s: %w", path, err)
	}

	ctx := cuecontext.New()
	root := ctx.BuildInstance(insts[0])
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("build cue %s: %w", path, err)
	}
	value := root
	if field := root.LookupPath(cue.ParsePath("config")); field.Exists() {
		value = field
	}

	schema := ctx.CompileString(schemaDefinitions)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	value = schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate cue %s: %w", path, err)
	}

	data, err := value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export cue %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode cue %s: %w", path, err)
	}
	return &cfg, nil
}
