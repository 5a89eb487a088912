package hcl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/confunnel/internal/config"
	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/job"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct {
	// environ supplies the `env` object visible to expressions. Tests replace it.
	environ func() []string
}

// NewLoader creates a new HCL run-file loader.
func NewLoader() *Loader {
	return &Loader{environ: os.Environ}
}

// Load parses the run file at path and returns the translated model.
// Relative paths inside the file are resolved against the file's directory.
func (l *Loader) Load(ctx context.Context, path string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path", path)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, l.evalContext(), &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	base := filepath.Dir(path)
	model := &config.Model{Stages: make(map[entity.Stage]*config.StageSettings)}

	run, err := translateRun(root.Run, base)
	if err != nil {
		return nil, fmt.Errorf("%s: run block: %w", path, err)
	}
	model.Run = run

	flags, err := translateFlags(root.Flags)
	if err != nil {
		return nil, fmt.Errorf("%s: flags block: %w", path, err)
	}
	model.Flags = flags

	for _, sb := range root.Stages {
		stage, err := entity.ParseStage(sb.Name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := model.Stages[stage]; dup {
			return nil, fmt.Errorf("%s: stage %q declared twice", path, sb.Name)
		}
		model.Stages[stage] = translateStage(stage, sb, flags)
	}

	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid configuration: %w", path, err)
	}

	logger.Debug("HCL loading complete.", "stages", len(model.Stages), "checkpoint", model.Run.Checkpoint)
	return model, nil
}

// evalContext exposes the process environment as `env.NAME`.
func (l *Loader) evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range l.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !hclIdentifier(name) {
			continue
		}
		env[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

func hclIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// pick returns *ptr when set and otherwise decodes the named default.
func pick[T any](ptr *T, name string, defaults map[string]cty.Value) (T, error) {
	var out T
	if ptr != nil {
		return *ptr, nil
	}
	def, ok := defaults[name]
	if !ok {
		return out, nil
	}
	if err := gocty.FromCtyValue(def, &out); err != nil {
		return out, fmt.Errorf("failed to apply default for '%s': %w", name, err)
	}
	return out, nil
}

// collector gathers the first error across a sequence of pick calls.
type collector struct{ err error }

func pickInto[T any](c *collector, dst *T, ptr *T, name string, defaults map[string]cty.Value) {
	if c.err != nil {
		return
	}
	v, err := pick(ptr, name, defaults)
	if err != nil {
		c.err = err
		return
	}
	*dst = v
}

func translateRun(b *runBlock, base string) (config.Run, error) {
	if b == nil {
		b = &runBlock{}
	}
	var run config.Run
	c := &collector{}
	d := config.RunDefaults
	pickInto(c, &run.Checkpoint, b.Checkpoint, "checkpoint", d)
	pickInto(c, &run.Workdir, b.Workdir, "workdir", d)
	pickInto(c, &run.Ensemble, b.Ensemble, "ensemble", d)
	pickInto(c, &run.Extension, b.Extension, "extension", d)
	pickInto(c, &run.MaxWorkers, b.MaxWorkers, "max_workers", d)
	pickInto(c, &run.FailureCheck, b.FailureCheck, "failure_check", d)
	pickInto(c, &run.FailureRate, b.FailureRate, "failure_rate", d)
	pickInto(c, &run.CoverageTarget, b.CoverageTarget, "coverage_target", d)
	pickInto(c, &run.TrimCutoff, b.TrimCutoff, "trim_cutoff", d)
	pickInto(c, &run.Backups, b.Backups, "backups", d)
	if c.err != nil {
		return config.Run{}, c.err
	}
	run.Removed = b.Removed
	run.Checkpoint = resolve(base, run.Checkpoint)
	run.Workdir = resolve(base, run.Workdir)
	run.Ensemble = resolve(base, run.Ensemble)
	return run, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func translateFlags(b *flagsBlock) (config.RunFlags, error) {
	if b == nil {
		b = &flagsBlock{}
	}
	var f config.RunFlags
	c := &collector{}
	d := config.FlagDefaults
	pickInto(c, &f.Charge, b.Charge, "charge", d)
	pickInto(c, &f.Unpaired, b.Unpaired, "unpaired", d)
	pickInto(c, &f.Solvent, b.Solvent, "solvent", d)
	pickInto(c, &f.GFNVersion, b.GFNVersion, "gfn_version", d)
	pickInto(c, &f.Temperature, b.Temperature, "temperature", d)
	pickInto(c, &f.ProgRRHO, b.ProgRRHO, "prog_rrho", d)
	pickInto(c, &f.FuncScreening, b.FuncScreening, "func_screening", d)
	pickInto(c, &f.BasisScreening, b.BasisScreening, "basis_screening", d)
	pickInto(c, &f.FuncOptimization, b.FuncOptimization, "func_optimization", d)
	pickInto(c, &f.BasisOptimization, b.BasisOptimization, "basis_optimization", d)
	pickInto(c, &f.FuncRefinement, b.FuncRefinement, "func_refinement", d)
	pickInto(c, &f.BasisRefinement, b.BasisRefinement, "basis_refinement", d)
	pickInto(c, &f.SolventModel, b.SolventModel, "sm", d)
	pickInto(c, &f.ProgProperties, b.ProgProperties, "prog_properties", d)
	pickInto(c, &f.SMProperties, b.SMProperties, "sm_properties", d)
	if c.err != nil {
		return config.RunFlags{}, c.err
	}
	f.Nuclei = b.Nuclei
	if f.Nuclei == nil {
		if err := gocty.FromCtyValue(config.FlagDefaults["nuclei"], &f.Nuclei); err != nil {
			return config.RunFlags{}, fmt.Errorf("failed to apply default for 'nuclei': %w", err)
		}
	}
	return f, nil
}

func translateStage(stage entity.Stage, b *stageBlock, flags config.RunFlags) *config.StageSettings {
	defaults := config.StageThresholds[stage]
	st := &config.StageSettings{
		Enabled:           true,
		Job:               job.KindExec,
		Command:           b.Command,
		Threshold:         defaults[0],
		BackupMargin:      defaults[1],
		EvaluateRRHO:      stage == entity.Optimization || stage == entity.Refinement,
		EvaluateSolvation: flags.Solvent != "gas" && stage != entity.Properties,
	}
	if b.Enabled != nil {
		st.Enabled = *b.Enabled
	}
	if b.Job != nil {
		st.Job = job.Kind(*b.Job)
	}
	if b.Threshold != nil {
		st.Threshold = *b.Threshold
	}
	if b.BackupMargin != nil {
		st.BackupMargin = *b.BackupMargin
	}
	if b.EvaluateRRHO != nil {
		st.EvaluateRRHO = *b.EvaluateRRHO
	}
	if b.EvaluateSolvation != nil {
		st.EvaluateSolvation = *b.EvaluateSolvation
	}
	return st
}
