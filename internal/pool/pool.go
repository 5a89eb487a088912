// Package pool runs independent job units on a fixed number of concurrent
// workers and blocks until every unit has reported a result.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/job"
)

const tracerName = "github.com/vk/confunnel/internal/pool"

// Pool owns its queue and result collector for one batch at a time.
type Pool struct {
	numWorkers int
	tracer     trace.Tracer
}

// New creates a pool with maxWorkers workers. maxWorkers below one is
// clamped to one.
func New(maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{numWorkers: maxWorkers, tracer: otel.Tracer(tracerName)}
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	return p.numWorkers
}

// RunInParallel is a convenience wrapper creating a one-off pool.
func RunInParallel(ctx context.Context, units []job.Unit, maxWorkers int) []job.Result {
	return New(maxWorkers).Run(ctx, units)
}

// Run executes every unit and returns exactly one result per unit. Results
// arrive in completion order; callers sort them if they need determinism.
// A failing unit never stops its siblings.
func (p *Pool) Run(ctx context.Context, units []job.Unit) []job.Result {
	logger := ctxlog.FromContext(ctx)
	if len(units) == 0 {
		return nil
	}

	queue := make(chan job.Unit, len(units))
	for _, u := range units {
		queue <- u
	}
	close(queue)

	results := make(chan job.Result, len(units))
	var wg sync.WaitGroup

	workers := min(p.numWorkers, len(units))
	logger.Debug("Starting worker pool.", "workers", workers, "tasks", len(units))
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx, queue, results, &wg, i)
	}

	wg.Wait()
	close(results)
	logger.Debug("Worker pool drained.", "tasks", len(units))

	collected := make([]job.Result, 0, len(units))
	for r := range results {
		collected = append(collected, r)
	}
	return collected
}

// worker is the core processing loop for a single concurrent worker.
func (p *Pool) worker(ctx context.Context, queue <-chan job.Unit, results chan<- job.Result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for u := range queue {
		results <- p.execute(ctx, u, workerID)
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// execute runs a single unit, converting a panic inside the job into a
// failed result so the worker survives.
func (p *Pool) execute(ctx context.Context, u job.Unit, workerID int) (res job.Result) {
	ctx, span := p.tracer.Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("entity.id", u.Task.EntityID),
			attribute.String("job.kind", string(u.Task.Kind)),
			attribute.String("stage", u.Task.Instructions.Stage.String()),
		))
	defer span.End()

	logger := ctxlog.FromContext(ctx).With("workerID", workerID, "entity", u.Task.EntityID)
	logger.Debug("Worker picked up task.")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked.", "panic", r, "stack", string(debug.Stack()))
			res = job.Result{EntityID: u.Task.EntityID, Diagnostics: fmt.Sprintf("job panicked: %v", r)}
		}
		if !res.Success {
			span.SetStatus(codes.Error, res.Diagnostics)
		}
		span.SetAttributes(attribute.Bool("success", res.Success))
	}()

	out := u.Job.Execute(ctx)
	if out.Success {
		logger.Debug("Task succeeded.")
	} else {
		logger.Debug("Task failed.", "diagnostics", out.Diagnostics)
	}
	return job.Result{
		EntityID:    u.Task.EntityID,
		Success:     out.Success,
		Values:      out.Values,
		Diagnostics: out.Diagnostics,
	}
}
