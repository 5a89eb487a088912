package funnel

import (
	"context"
	"sync"

	"github.com/vk/confunnel/internal/job"
)

// ProgressSnapshot is a point-in-time copy of the stage counters.
type ProgressSnapshot struct {
	Stage  string `json:"stage"`
	Total  int    `json:"total"`
	Done   int    `json:"done"`
	Failed int    `json:"failed"`
}

// Progress counts finished tasks of the running stage. It is safe for
// concurrent use by pool workers and status readers.
type Progress struct {
	mu   sync.Mutex
	snap ProgressSnapshot
}

func (p *Progress) begin(stage string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = ProgressSnapshot{Stage: stage, Total: total}
}

func (p *Progress) taskDone(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Done++
	if !success {
		p.snap.Failed++
	}
}

func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// trackedJob reports completion of the wrapped job to a Progress.
type trackedJob struct {
	job.Job
	progress *Progress
}

func (t trackedJob) Execute(ctx context.Context) (out job.Outcome) {
	defer func() { t.progress.taskDone(out.Success) }()
	return t.Job.Execute(ctx)
}
