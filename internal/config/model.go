package config

import (
	"errors"
	"fmt"

	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/job"
)

// Model is the unified representation of one invocation's configuration.
type Model struct {
	Run    Run
	Flags  RunFlags
	Stages map[entity.Stage]*StageSettings
}

// Run holds the run-wide settings shared by every stage.
type Run struct {
	Checkpoint     string
	Workdir        string
	Ensemble       string
	Extension      string
	MaxWorkers     int
	FailureCheck   bool
	FailureRate    float64
	CoverageTarget float64
	TrimCutoff     float64
	Backups        int
	Removed        []string
}

// StageSettings tunes one fixed stage.
type StageSettings struct {
	Enabled           bool
	Job               job.Kind
	Command           []string
	Threshold         float64
	BackupMargin      float64
	EvaluateRRHO      bool
	EvaluateSolvation bool
}

// RunFlags are the method selections pinned in the checkpoint. The cty tags
// name the attributes of the snapshot object.
type RunFlags struct {
	// Unchangeable.
	Charge     int    `cty:"charge"`
	Unpaired   int    `cty:"unpaired"`
	Solvent    string `cty:"solvent"`
	GFNVersion string `cty:"gfn_version"`

	// Changeable.
	Temperature       float64  `cty:"temperature"`
	ProgRRHO          string   `cty:"prog_rrho"`
	FuncScreening     string   `cty:"func_screening"`
	BasisScreening    string   `cty:"basis_screening"`
	FuncOptimization  string   `cty:"func_optimization"`
	BasisOptimization string   `cty:"basis_optimization"`
	FuncRefinement    string   `cty:"func_refinement"`
	BasisRefinement   string   `cty:"basis_refinement"`
	SolventModel      string   `cty:"sm"`
	ProgProperties    string   `cty:"prog_properties"`
	SMProperties      string   `cty:"sm_properties"`
	Nuclei            []string `cty:"nuclei"`
}

// Stage returns the settings for s, or a disabled stage when none exist.
func (m *Model) Stage(s entity.Stage) *StageSettings {
	if st, ok := m.Stages[s]; ok && st != nil {
		return st
	}
	return &StageSettings{}
}

// Validate checks the ranges the funnel relies on.
func (m *Model) Validate() error {
	var errs []error
	if m.Run.Checkpoint == "" {
		errs = append(errs, errors.New("run.checkpoint is required"))
	}
	if m.Run.Ensemble == "" {
		errs = append(errs, errors.New("run.ensemble is required"))
	}
	if m.Run.Extension == "" {
		errs = append(errs, errors.New("run.extension must not be empty"))
	}
	if m.Run.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("run.max_workers must be >= 1, got %d", m.Run.MaxWorkers))
	}
	if m.Run.FailureRate < 0 || m.Run.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("run.failure_rate must be within [0,1], got %g", m.Run.FailureRate))
	}
	if m.Run.CoverageTarget <= 0 || m.Run.CoverageTarget > 1 {
		errs = append(errs, fmt.Errorf("run.coverage_target must be within (0,1], got %g", m.Run.CoverageTarget))
	}
	if m.Run.TrimCutoff < 0 || m.Run.TrimCutoff >= 1 {
		errs = append(errs, fmt.Errorf("run.trim_cutoff must be within [0,1), got %g", m.Run.TrimCutoff))
	}
	if m.Run.Backups < 1 {
		errs = append(errs, fmt.Errorf("run.backups must be >= 1, got %d", m.Run.Backups))
	}
	if m.Flags.Temperature < 0 {
		errs = append(errs, fmt.Errorf("flags.temperature must be >= 0, got %g", m.Flags.Temperature))
	}
	for _, s := range entity.AllStages() {
		st := m.Stage(s)
		if !st.Enabled {
			continue
		}
		if st.Job == "" {
			errs = append(errs, fmt.Errorf("stage %s: job is required", s))
		}
		if st.Threshold < 0 || st.BackupMargin < 0 {
			errs = append(errs, fmt.Errorf("stage %s: threshold and backup_margin must be >= 0", s))
		}
	}
	return errors.Join(errs...)
}
