// Package job defines the unit of work the funnel schedules. The core only
// knows the Job contract: execute, then report success and typed values.
// Program-specific behaviour lives behind a Factory chosen once per stage by
// job Kind.
package job

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vk/confunnel/internal/entity"
)

// Kind selects the Job strategy for a stage.
type Kind string

// Component is one cached quantity a task may be asked to produce.
type Component string

const (
	Energy     Component = "energy"
	Solvation  Component = "solvation"
	RRHO       Component = "rrho"
	Properties Component = "properties"
)

// Well-known value keys reported by jobs.
const (
	ValueEnergy    = "energy"
	ValueSolvation = "gsolv"
	ValueRRHO      = "grrho"

	shieldingPrefix = "shielding:"
	couplingPrefix  = "coupling:"
)

// ShieldingKey returns the value key for a nucleus' shielding constant.
func ShieldingKey(nucleus string) string { return shieldingPrefix + nucleus }

// CouplingKey returns the value key for a nucleus' coupling constant.
func CouplingKey(nucleus string) string { return couplingPrefix + nucleus }

// SplitPropertyKey classifies a value key as shielding or coupling.
func SplitPropertyKey(key string) (kind, nucleus string, ok bool) {
	switch {
	case strings.HasPrefix(key, shieldingPrefix):
		return "shielding", strings.TrimPrefix(key, shieldingPrefix), true
	case strings.HasPrefix(key, couplingPrefix):
		return "coupling", strings.TrimPrefix(key, couplingPrefix), true
	}
	return "", "", false
}

// Instructions tell a Job what to compute. Components lists only the pieces
// that are missing from the cache, so a partially invalidated entity does not
// redo everything.
type Instructions struct {
	Stage       entity.Stage
	Components  []Component
	Input       string
	Command     []string
	RRHOProgram string
	Temperature float64
	Nuclei      []string
}

// Wants reports whether c is among the requested components.
func (in Instructions) Wants(c Component) bool {
	for _, have := range in.Components {
		if have == c {
			return true
		}
	}
	return false
}

// Task is the unit submitted to the worker pool. It carries everything a Job
// needs and shares no mutable state with sibling tasks.
type Task struct {
	EntityID     string
	Kind         Kind
	Workdir      string
	Instructions Instructions
}

// Outcome is what a Job reports after Execute returns.
type Outcome struct {
	Success     bool
	Values      map[string]float64
	Diagnostics string
}

// Job executes one task. Execute may block on an external process; failures
// are reported through Outcome, never by panicking.
type Job interface {
	Execute(ctx context.Context) Outcome
}

// Unit pairs a task with the Job built for it.
type Unit struct {
	Task Task
	Job  Job
}

// Result is the pool's record of one executed unit.
type Result struct {
	EntityID    string
	Success     bool
	Values      map[string]float64
	Diagnostics string
}

// SortResults orders results by entity id.
func SortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].EntityID < results[j].EntityID
	})
}

// Failed returns a failed result for a task that never reached the pool.
func Failed(entityID string, format string, args ...any) Result {
	return Result{EntityID: entityID, Diagnostics: fmt.Sprintf(format, args...)}
}
