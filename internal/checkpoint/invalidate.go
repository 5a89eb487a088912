package checkpoint

import (
	"github.com/vk/confunnel/internal/config"
	"github.com/vk/confunnel/internal/entity"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// invalidation resets the record fields that depend on one changeable flag.
// It reports whether anything on the record was touched.
type invalidation func(e *entity.Entity, change config.FlagChange) bool

// invalidations maps every changeable flag to the fields computed from it.
// Flags without an entry here are unchangeable.
var invalidations = map[string]invalidation{
	"temperature":        resetAllThermal,
	"prog_rrho":          resetThermalSlot,
	"func_screening":     resetEnergy(entity.Screening),
	"basis_screening":    resetEnergy(entity.Screening),
	"func_optimization":  resetEnergy(entity.Optimization),
	"basis_optimization": resetEnergy(entity.Optimization),
	"func_refinement":    resetHighLevel,
	"basis_refinement":   resetHighLevel,
	"sm":                 resetSolvation,
	"prog_properties":    resetProperties,
	"sm_properties":      resetProperties,
	"nuclei":             resetPropertiesIfExtended,
}

// Invalidates reports whether a change of the named flag resets cached data.
func Invalidates(flag string) bool {
	_, ok := invalidations[flag]
	return ok
}

func resetAllThermal(e *entity.Entity, _ config.FlagChange) bool {
	touched := false
	for stage, r := range e.Stages {
		if len(r.Thermal) == 0 {
			continue
		}
		r.Thermal = make(map[string]float64)
		e.ResetStage(stage)
		touched = true
	}
	return touched
}

// resetThermalSlot keeps every program's cached thermal value; the slots are
// keyed by program, so switching back to an earlier program is free. Only the
// stage values that folded in a thermal correction are reset, so the next run
// recombines them from the new program's slot or computes it when absent.
func resetThermalSlot(e *entity.Entity, _ config.FlagChange) bool {
	touched := false
	for stage, r := range e.Stages {
		if len(r.Thermal) == 0 {
			continue
		}
		e.ResetStage(stage)
		touched = true
	}
	return touched
}

func resetEnergy(stage entity.Stage) invalidation {
	return func(e *entity.Entity, _ config.FlagChange) bool {
		r, ok := e.Stages[stage]
		if !ok {
			return false
		}
		r.Energy = nil
		e.ResetStage(stage)
		return true
	}
}

func resetHighLevel(e *entity.Entity, _ config.FlagChange) bool {
	r, ok := e.Stages[entity.Refinement]
	if !ok {
		return false
	}
	r.Energy = nil
	r.Solvation = nil
	e.ResetStage(entity.Refinement)
	return true
}

func resetSolvation(e *entity.Entity, _ config.FlagChange) bool {
	touched := false
	for stage, r := range e.Stages {
		if r.Solvation == nil {
			continue
		}
		r.Solvation = nil
		e.ResetStage(stage)
		touched = true
	}
	return touched
}

func resetProperties(e *entity.Entity, _ config.FlagChange) bool {
	r, ok := e.Stages[entity.Properties]
	if !ok {
		return false
	}
	r.Shieldings = nil
	r.Couplings = nil
	e.ResetStage(entity.Properties)
	return true
}

// resetPropertiesIfExtended only fires when a nucleus was added. Dropping a
// nucleus keeps the cached values of the remaining ones valid.
func resetPropertiesIfExtended(e *entity.Entity, change config.FlagChange) bool {
	if !change.Missing && !extends(config.Strings(change.Old), config.Strings(change.New)) {
		return false
	}
	return resetProperties(e, change)
}

func extends(old, current []string) bool {
	seen := make(map[string]bool, len(old))
	for _, n := range old {
		seen[n] = true
	}
	for _, n := range current {
		if !seen[n] {
			return true
		}
	}
	return false
}

func render(v cty.Value) string {
	if v.IsNull() {
		return "<unset>"
	}
	b, err := ctyjson.SimpleJSONValue{Value: v}.MarshalJSON()
	if err != nil {
		return v.GoString()
	}
	return string(b)
}
