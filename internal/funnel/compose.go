package funnel

import (
	"fmt"
	"strings"

	"github.com/vk/confunnel/internal/config"
	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/job"
)

// missingComponents lists the parts of a stage value that are not cached on
// the record yet. After scoped invalidation this is usually a subset.
func missingComponents(e *entity.Entity, stage entity.Stage, st *config.StageSettings, flags config.RunFlags) []job.Component {
	r, ok := e.Stages[stage]
	if !ok {
		r = &entity.StageResult{}
	}

	if stage == entity.Properties {
		for _, n := range flags.Nuclei {
			if _, ok := r.Shieldings[n]; !ok {
				return []job.Component{job.Properties}
			}
		}
		return nil
	}

	var missing []job.Component
	if r.Energy == nil {
		missing = append(missing, job.Energy)
	}
	if st.EvaluateSolvation && r.Solvation == nil {
		missing = append(missing, job.Solvation)
	}
	if st.EvaluateRRHO {
		if _, ok := r.Thermal[flags.ProgRRHO]; !ok {
			missing = append(missing, job.RRHO)
		}
	}
	return missing
}

// applyValues stores the values a job reported for the requested components.
func applyValues(r *entity.StageResult, components []job.Component, values map[string]float64, flags config.RunFlags) {
	want := job.Instructions{Components: components}
	if v, ok := values[job.ValueEnergy]; ok && (want.Wants(job.Energy) || want.Wants(job.Properties)) {
		r.Energy = entity.Float(v)
	}
	if v, ok := values[job.ValueSolvation]; ok && want.Wants(job.Solvation) {
		r.Solvation = entity.Float(v)
	}
	if v, ok := values[job.ValueRRHO]; ok && want.Wants(job.RRHO) {
		r.Thermal[flags.ProgRRHO] = v
	}
	if !want.Wants(job.Properties) {
		return
	}
	for key, v := range values {
		kind, nucleus, ok := job.SplitPropertyKey(key)
		if !ok {
			continue
		}
		switch kind {
		case "shielding":
			if r.Shieldings == nil {
				r.Shieldings = make(map[string]float64)
			}
			r.Shieldings[nucleus] = v
		case "coupling":
			if r.Couplings == nil {
				r.Couplings = make(map[string]float64)
			}
			r.Couplings[nucleus] = v
		}
	}
}

// composeValue combines the cached components into the stage value:
// electronic energy plus solvation and thermal corrections when enabled.
// The properties stage carries the energy its job reported, or zero.
func composeValue(e *entity.Entity, stage entity.Stage, st *config.StageSettings, flags config.RunFlags) (float64, error) {
	if missing := missingComponents(e, stage, st, flags); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, c := range missing {
			names[i] = string(c)
		}
		return 0, fmt.Errorf("job reported no %s", strings.Join(names, ", "))
	}

	r := e.Result(stage)
	if stage == entity.Properties {
		if r.Energy != nil {
			return *r.Energy, nil
		}
		return 0, nil
	}

	value := *r.Energy
	if st.EvaluateSolvation {
		value += *r.Solvation
	}
	if st.EvaluateRRHO {
		value += r.Thermal[flags.ProgRRHO]
	}
	return value, nil
}
