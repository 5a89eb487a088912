package config

import (
	"github.com/vk/confunnel/internal/entity"
	"github.com/zclconf/go-cty/cty"
)

// RunDefaults are applied to `run` attributes the user did not set.
var RunDefaults = map[string]cty.Value{
	"checkpoint":      cty.StringVal("confunnel_checkpoint.json"),
	"workdir":         cty.StringVal("work"),
	"extension":       cty.StringVal(".xyz"),
	"max_workers":     cty.NumberIntVal(4),
	"failure_check":   cty.True,
	"failure_rate":    cty.NumberFloatVal(0.65),
	"coverage_target": cty.NumberFloatVal(0.98),
	"trim_cutoff":     cty.NumberFloatVal(0.01),
	"backups":         cty.NumberIntVal(5),
}

// FlagDefaults are applied to `flags` attributes the user did not set.
var FlagDefaults = map[string]cty.Value{
	"solvent":     cty.StringVal("gas"),
	"gfn_version": cty.StringVal("gfn2"),
	"temperature": cty.NumberFloatVal(298.15),
	"prog_rrho":   cty.StringVal("xtb"),
	"sm":          cty.StringVal("none"),
	"nuclei":      cty.ListVal([]cty.Value{cty.StringVal("1h"), cty.StringVal("13c")}),
}

// StageThresholds are the default (threshold, backup margin) pairs in
// kcal/mol for the filtering stages.
var StageThresholds = map[entity.Stage][2]float64{
	entity.Screening:    {4.0, 2.0},
	entity.Optimization: {2.5, 1.0},
	entity.Refinement:   {2.0, 0.0},
	entity.Properties:   {0, 0},
}
