package entity

import (
	"fmt"
	"sort"
)

// Status is the per-stage state of an entity. NotCalculated is the only
// non-terminal state; a stage moves it to Calculated or Failed.
type Status int

const (
	NotCalculated Status = iota
	Calculated
	Failed
)

var statusNames = map[Status]string{
	NotCalculated: "not_calculated",
	Calculated:    "calculated",
	Failed:        "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(text))
}

// StageResult holds everything a stage produced for one entity. Value is the
// composite free energy the funnel filters on; the other slots are the cached
// components it was assembled from. Value is non-nil iff Status is Calculated.
type StageResult struct {
	Status     Status             `json:"status"`
	Value      *float64           `json:"value"`
	Energy     *float64           `json:"energy"`
	Solvation  *float64           `json:"solvation"`
	Thermal    map[string]float64 `json:"thermal"`
	Shieldings map[string]float64 `json:"shieldings,omitempty"`
	Couplings  map[string]float64 `json:"couplings,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// Entity is one conformer under evaluation.
type Entity struct {
	ID     string                 `json:"id"`
	Input  string                 `json:"input,omitempty"`
	Stages map[Stage]*StageResult `json:"stages"`

	ConsiderForNext bool     `json:"consider_for_next"`
	RemovedByUser   bool     `json:"removed_by_user"`
	Backup          bool     `json:"backup"`
	Degeneracy      *float64 `json:"degeneracy"`
	Symmetry        string   `json:"symmetry"`

	Weight        float64 `json:"weight"`
	RefinedWeight float64 `json:"refined_weight"`
}

// New allocates an entity with its own, independent field set.
func New(id string) *Entity {
	return &Entity{
		ID:              id,
		Stages:          make(map[Stage]*StageResult),
		ConsiderForNext: true,
		Symmetry:        "c1",
	}
}

// Result returns the stage's result slot, allocating it on first access.
func (e *Entity) Result(s Stage) *StageResult {
	if e.Stages == nil {
		e.Stages = make(map[Stage]*StageResult)
	}
	r, ok := e.Stages[s]
	if !ok {
		r = &StageResult{Thermal: make(map[string]float64)}
		e.Stages[s] = r
	}
	if r.Thermal == nil {
		r.Thermal = make(map[string]float64)
	}
	return r
}

// Status returns the stage status without allocating a slot.
func (e *Entity) Status(s Stage) Status {
	if r, ok := e.Stages[s]; ok {
		return r.Status
	}
	return NotCalculated
}

// Value returns the stage's composite value if it was calculated.
func (e *Entity) Value(s Stage) (float64, bool) {
	r, ok := e.Stages[s]
	if !ok || r.Status != Calculated || r.Value == nil {
		return 0, false
	}
	return *r.Value, true
}

// MarkCalculated stores the stage value and moves the stage to Calculated.
func (e *Entity) MarkCalculated(s Stage, value float64) {
	r := e.Result(s)
	r.Status = Calculated
	r.Value = &value
	r.Reason = ""
}

// MarkFailed moves the stage to Failed and clears its value.
func (e *Entity) MarkFailed(s Stage, reason string) {
	r := e.Result(s)
	r.Status = Failed
	r.Value = nil
	r.Reason = reason
	e.ConsiderForNext = false
}

// ResetStage returns the stage to NotCalculated, keeping cached components.
func (e *Entity) ResetStage(s Stage) {
	r, ok := e.Stages[s]
	if !ok {
		return
	}
	r.Status = NotCalculated
	r.Value = nil
	r.Reason = ""
}

// FailedBefore reports the first stage earlier than s in which the entity
// failed. A failure anywhere upstream excludes the entity from s.
func (e *Entity) FailedBefore(s Stage) (Stage, bool) {
	for _, prev := range AllStages() {
		if prev >= s {
			break
		}
		if e.Status(prev) == Failed {
			return prev, true
		}
	}
	return 0, false
}

// DegeneracyOr returns the entity's degeneracy, or def when none is known.
func (e *Entity) DegeneracyOr(def float64) (float64, bool) {
	if e.Degeneracy == nil {
		return def, false
	}
	return *e.Degeneracy, true
}

// SortByID orders entities by id for deterministic downstream processing.
func SortByID(entities []*Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ID < entities[j].ID
	})
}

// Float returns a pointer to a copy of v.
func Float(v float64) *float64 {
	return &v
}
