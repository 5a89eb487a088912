package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/vk/confunnel/internal/job"
)

// FakeKind is the job kind registered by RegisterFake.
const FakeKind job.Kind = "fake"

// Script decides the outcome of a fake job from its task.
type Script func(task job.Task) job.Outcome

// Calls records every task a fake job was executed for.
type Calls struct {
	mu    sync.Mutex
	tasks []job.Task
}

func (c *Calls) record(t job.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
}

// Tasks returns the executed tasks sorted by entity id.
func (c *Calls) Tasks() []job.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]job.Task(nil), c.tasks...)
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// IDs returns the entity ids of the executed tasks, sorted.
func (c *Calls) IDs() []string {
	tasks := c.Tasks()
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.EntityID
	}
	return ids
}

type fakeJob struct {
	task   job.Task
	script Script
	calls  *Calls
}

func (f *fakeJob) Execute(context.Context) job.Outcome {
	f.calls.record(f.task)
	return f.script(f.task)
}

// RegisterFake registers FakeKind on reg, backed by script.
func RegisterFake(reg *job.Registry, script Script) *Calls {
	calls := &Calls{}
	reg.Register(FakeKind, func(task job.Task) (job.Job, error) {
		return &fakeJob{task: task, script: script, calls: calls}, nil
	})
	return calls
}

// Energies returns a Script that reports energies[id] as the electronic
// energy and zero for every other requested component. Entities missing from
// the map fail.
func Energies(energies map[string]float64) Script {
	return func(task job.Task) job.Outcome {
		e, ok := energies[task.EntityID]
		if !ok {
			return job.Outcome{Diagnostics: "scripted failure for " + task.EntityID}
		}
		values := map[string]float64{}
		in := task.Instructions
		if in.Wants(job.Energy) || in.Wants(job.Properties) {
			values[job.ValueEnergy] = e
		}
		if in.Wants(job.Solvation) {
			values[job.ValueSolvation] = 0
		}
		if in.Wants(job.RRHO) {
			values[job.ValueRRHO] = 0
		}
		if in.Wants(job.Properties) {
			for _, n := range in.Nuclei {
				values[job.ShieldingKey(n)] = 1
				values[job.CouplingKey(n)] = 0.5
			}
		}
		return job.Outcome{Success: true, Values: values}
	}
}
