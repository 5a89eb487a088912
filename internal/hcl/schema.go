package hcl

// fileRoot decodes every top-level block a run file may contain. Anything
// else is rejected by the decoder.
type fileRoot struct {
	Run    *runBlock     `hcl:"run,block"`
	Flags  *flagsBlock   `hcl:"flags,block"`
	Stages []*stageBlock `hcl:"stage,block"`
}

// runBlock is the `run` block. Pointer fields distinguish "absent" from the
// zero value so defaults can be applied.
type runBlock struct {
	Checkpoint     *string  `hcl:"checkpoint,optional"`
	Workdir        *string  `hcl:"workdir,optional"`
	Ensemble       *string  `hcl:"ensemble,optional"`
	Extension      *string  `hcl:"extension,optional"`
	MaxWorkers     *int     `hcl:"max_workers,optional"`
	FailureCheck   *bool    `hcl:"failure_check,optional"`
	FailureRate    *float64 `hcl:"failure_rate,optional"`
	CoverageTarget *float64 `hcl:"coverage_target,optional"`
	TrimCutoff     *float64 `hcl:"trim_cutoff,optional"`
	Backups        *int     `hcl:"backups,optional"`
	Removed        []string `hcl:"removed,optional"`
}

// flagsBlock is the `flags` block.
type flagsBlock struct {
	Charge            *int     `hcl:"charge,optional"`
	Unpaired          *int     `hcl:"unpaired,optional"`
	Solvent           *string  `hcl:"solvent,optional"`
	GFNVersion        *string  `hcl:"gfn_version,optional"`
	Temperature       *float64 `hcl:"temperature,optional"`
	ProgRRHO          *string  `hcl:"prog_rrho,optional"`
	FuncScreening     *string  `hcl:"func_screening,optional"`
	BasisScreening    *string  `hcl:"basis_screening,optional"`
	FuncOptimization  *string  `hcl:"func_optimization,optional"`
	BasisOptimization *string  `hcl:"basis_optimization,optional"`
	FuncRefinement    *string  `hcl:"func_refinement,optional"`
	BasisRefinement   *string  `hcl:"basis_refinement,optional"`
	SolventModel      *string  `hcl:"sm,optional"`
	ProgProperties    *string  `hcl:"prog_properties,optional"`
	SMProperties      *string  `hcl:"sm_properties,optional"`
	Nuclei            []string `hcl:"nuclei,optional"`
}

// stageBlock is a `stage "<name>"` block.
type stageBlock struct {
	Name              string   `hcl:"name,label"`
	Enabled           *bool    `hcl:"enabled,optional"`
	Job               *string  `hcl:"job,optional"`
	Command           []string `hcl:"command,optional"`
	Threshold         *float64 `hcl:"threshold,optional"`
	BackupMargin      *float64 `hcl:"backup_margin,optional"`
	EvaluateRRHO      *bool    `hcl:"evaluate_rrho,optional"`
	EvaluateSolvation *bool    `hcl:"evaluate_solvation,optional"`
}
