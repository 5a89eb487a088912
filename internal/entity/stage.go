package entity

import "fmt"

// Stage identifies one phase of the funnel. The order of the constants is the
// execution order and is not configurable.
type Stage int

const (
	// Screening is the coarse, cheap filter run on the whole ensemble.
	Screening Stage = iota
	// Optimization refines geometries and re-filters.
	Optimization
	// Refinement scores the survivors with the high-level method and feeds the
	// population selection.
	Refinement
	// Properties computes shieldings and couplings on the coverage set only.
	Properties
)

var stageNames = map[Stage]string{
	Screening:    "screening",
	Optimization: "optimization",
	Refinement:   "refinement",
	Properties:   "properties",
}

// AllStages returns the stages in execution order.
func AllStages() []Stage {
	return []Stage{Screening, Optimization, Refinement, Properties}
}

// String returns the stable name used in checkpoints and run files.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Next returns the stage following s and false when s is the last one.
func (s Stage) Next() (Stage, bool) {
	if s >= Properties {
		return s, false
	}
	return s + 1, true
}

// Filters reports whether the stage applies an energy threshold to its
// results. The property stage keeps every successful entity.
func (s Stage) Filters() bool {
	return s != Properties
}

// ParseStage resolves a stage from its stable name.
func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// MarshalText implements encoding.TextMarshaler so stages can key JSON maps.
func (s Stage) MarshalText() ([]byte, error) {
	if _, ok := stageNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal unknown stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
