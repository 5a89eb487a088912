// Package failure holds the run-wide failure policy: the failure-rate circuit
// breaker applied to every stage batch, and the AbortError that carries a
// save-then-abort decision up to the process entrypoint.
package failure

import (
	"errors"
	"fmt"

	"github.com/vk/confunnel/internal/job"
)

// Rate returns failed/total for a batch. An empty batch has rate zero.
func Rate(results []job.Result) (failed, total int, rate float64) {
	total = len(results)
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if total == 0 {
		return 0, 0, 0
	}
	return failed, total, float64(failed) / float64(total)
}

// CheckFailureRate reports whether a batch should abort the run.
func CheckFailureRate(results []job.Result, threshold float64, enabled bool) bool {
	if !enabled {
		return false
	}
	_, total, rate := Rate(results)
	if total == 0 {
		return false
	}
	return rate >= threshold
}

// Kind classifies why a run was aborted.
type Kind int

const (
	Internal Kind = iota
	Schema
	FailureRate
	EmptySet
	StagePanic
)

func (k Kind) String() string {
	switch k {
	case Schema:
		return "schema"
	case FailureRate:
		return "failure-rate"
	case EmptySet:
		return "empty-set"
	case StagePanic:
		return "stage-panic"
	default:
		return "internal"
	}
}

// AbortError means the run must stop with a non-zero exit. By the time one is
// returned the checkpoint has already been written, so a restart resumes
// without losing completed work.
type AbortError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *AbortError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("aborted (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("aborted in stage %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// Abort builds an AbortError.
func Abort(kind Kind, stage string, err error) *AbortError {
	return &AbortError{Kind: kind, Stage: stage, Err: err}
}

// KindOf extracts the abort kind from err, if any.
func KindOf(err error) (Kind, bool) {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return Internal, false
}
