package funnel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vk/confunnel/internal/checkpoint"
	"github.com/vk/confunnel/internal/config"
	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/failure"
	"github.com/vk/confunnel/internal/fsutil"
	"github.com/vk/confunnel/internal/job"
	"github.com/vk/confunnel/internal/pool"
)

const tracerName = "github.com/vk/confunnel/internal/funnel"

// Saver persists the record set. *checkpoint.Store implements it.
type Saver interface {
	Save(ctx context.Context, set *checkpoint.Set, mode checkpoint.Mode) error
}

// Params are the per-stage inputs of RunStage.
type Params struct {
	Stage        entity.Stage
	Settings     *config.StageSettings
	Flags        config.RunFlags
	WorkRoot     string
	FailureCheck bool
	FailureRate  float64
}

// Drop records why an entity left the stage.
type Drop struct {
	EntityID string `yaml:"entity"`
	Reason   string `yaml:"reason"`
}

// Outcome summarizes one stage.
type Outcome struct {
	Stage     entity.Stage
	Keep      []*entity.Entity
	Backup    []*entity.Entity
	Discarded int
	Reused    int
	Computed  int
	Failed    int
	Dropped   []Drop
	Relative  map[string]float64
}

// Driver runs stages against one record set. Stages must be run one after
// another; the set is only mutated between pool batches.
type Driver struct {
	set      *checkpoint.Set
	store    Saver
	registry *job.Registry
	pool     *pool.Pool
	progress *Progress
	tracer   trace.Tracer
}

func New(set *checkpoint.Set, store Saver, registry *job.Registry, maxWorkers int) *Driver {
	return &Driver{
		set:      set,
		store:    store,
		registry: registry,
		pool:     pool.New(maxWorkers),
		progress: &Progress{},
		tracer:   otel.Tracer(tracerName),
	}
}

// Progress exposes the live counters of the running stage.
func (d *Driver) Progress() *Progress {
	return d.progress
}

// RunStage runs one stage over entities and returns the partition. Fatal
// conditions save the record set first and come back as *failure.AbortError;
// a panic anywhere in the stage is converted the same way.
func (d *Driver) RunStage(ctx context.Context, entities []*entity.Entity, p Params) (out *Outcome, err error) {
	stage := p.Stage.String()
	ctx, span := d.tracer.Start(ctx, "stage", trace.WithAttributes(
		attribute.String("stage", stage),
		attribute.Int("entities", len(entities)),
	))
	defer span.End()

	logger := ctxlog.FromContext(ctx).With("stage", stage)
	ctx = ctxlog.WithLogger(ctx, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Stage panicked.", "panic", r, "stack", string(debug.Stack()))
			out = nil
			err = d.abort(ctx, failure.StagePanic, p.Stage, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	logger.Info("▶️ Starting stage.", "entities", len(entities))
	out, err = d.runStage(ctx, entities, p)
	if out != nil {
		span.SetAttributes(
			attribute.Int("keep", len(out.Keep)),
			attribute.Int("backup", len(out.Backup)),
			attribute.Int("discarded", out.Discarded),
			attribute.Int("failed", out.Failed),
		)
		logDropSummary(ctx, out.Dropped)
	}
	if err != nil {
		return out, err
	}
	logger.Info("✅ Finished stage.",
		"keep", len(out.Keep), "backup", len(out.Backup), "discarded", out.Discarded,
		"reused", out.Reused, "computed", out.Computed, "failed", out.Failed)
	return out, nil
}

type pending struct {
	entity     *entity.Entity
	components []job.Component
}

func (d *Driver) runStage(ctx context.Context, entities []*entity.Entity, p Params) (*Outcome, error) {
	logger := ctxlog.FromContext(ctx)
	out := &Outcome{Stage: p.Stage}
	drop := func(e *entity.Entity, reason string) {
		logger.Warn("Entity dropped.", "entity", e.ID, "reason", reason)
		out.Dropped = append(out.Dropped, Drop{EntityID: e.ID, Reason: reason})
	}

	// 1. Split into reusable and pending work.
	var done []*entity.Entity
	var todo []pending
	for _, e := range entities {
		if e.RemovedByUser {
			drop(e, "removed by user")
			continue
		}
		if prev, failed := e.FailedBefore(p.Stage); failed {
			drop(e, fmt.Sprintf("failed in stage %s", prev))
			continue
		}
		switch e.Status(p.Stage) {
		case entity.Failed:
			drop(e, fmt.Sprintf("failed in an earlier run: %s", e.Stages[p.Stage].Reason))
			continue
		case entity.Calculated:
			done = append(done, e)
			out.Reused++
			continue
		}

		missing := missingComponents(e, p.Stage, p.Settings, p.Flags)
		if len(missing) == 0 {
			// Everything is cached, only the combination was invalidated.
			v, err := composeValue(e, p.Stage, p.Settings, p.Flags)
			if err != nil {
				return nil, fmt.Errorf("recombining cached value for %s: %w", e.ID, err)
			}
			e.MarkCalculated(p.Stage, v)
			done = append(done, e)
			out.Reused++
			continue
		}
		todo = append(todo, pending{entity: e, components: missing})
	}
	logger.Debug("Stage work split.", "reused", len(done), "to_compute", len(todo))

	// 2-3. Prepare disjoint workdirs and run the batch.
	results := d.execute(ctx, todo, p)
	out.Computed = len(todo)

	// 4. Classify.
	var succeeded []*entity.Entity
	byID := make(map[string]pending, len(todo))
	for _, t := range todo {
		byID[t.entity.ID] = t
	}
	for i, r := range results {
		t := byID[r.EntityID]
		e := t.entity
		if !r.Success {
			e.MarkFailed(p.Stage, r.Diagnostics)
			out.Failed++
			drop(e, "task failed: "+r.Diagnostics)
			continue
		}
		applyValues(e.Result(p.Stage), t.components, r.Values, p.Flags)
		v, err := composeValue(e, p.Stage, p.Settings, p.Flags)
		if err != nil {
			// The breaker must count it like any other failed task.
			results[i].Success = false
			results[i].Diagnostics = err.Error()
			e.MarkFailed(p.Stage, err.Error())
			out.Failed++
			drop(e, "task failed: "+err.Error())
			continue
		}
		e.MarkCalculated(p.Stage, v)
		succeeded = append(succeeded, e)
	}

	// 5. Failure breaker.
	if failure.CheckFailureRate(results, p.FailureRate, p.FailureCheck) {
		failed, total, rate := failure.Rate(results)
		return out, d.abort(ctx, failure.FailureRate, p.Stage,
			fmt.Errorf("%d of %d tasks failed (%.0f%% >= %.0f%%)", failed, total, rate*100, p.FailureRate*100))
	}

	// 6-7. Merge and partition.
	combined := append(done, succeeded...)
	entity.SortByID(combined)
	if p.Stage.Filters() {
		part := Split(combined, p.Stage, p.Settings.Threshold, p.Settings.BackupMargin)
		out.Relative = part.Relative
		for _, e := range part.Keep {
			e.ConsiderForNext, e.Backup = true, false
		}
		for _, e := range part.Backup {
			e.ConsiderForNext, e.Backup = false, true
			drop(e, fmt.Sprintf("kept as backup at %.2f kcal/mol", part.Relative[e.ID]))
		}
		for _, e := range part.Discard {
			e.ConsiderForNext, e.Backup = false, false
			drop(e, fmt.Sprintf("above threshold at %.2f kcal/mol", part.Relative[e.ID]))
		}
		out.Keep, out.Backup, out.Discarded = part.Keep, part.Backup, len(part.Discard)
	} else {
		out.Keep = combined
	}

	// 8. Persist before deciding whether to continue.
	if len(out.Keep) == 0 {
		return out, d.abort(ctx, failure.EmptySet, p.Stage, errors.New("no entity survived the stage"))
	}
	if err := d.store.Save(ctx, d.set, checkpoint.Normal); err != nil {
		return out, fmt.Errorf("saving checkpoint after stage %s: %w", p.Stage, err)
	}
	return out, nil
}

// execute builds one unit per pending entity and drains them through the
// pool. Entities whose workdir or job cannot be prepared fail before
// submission and are reported alongside the pool results.
func (d *Driver) execute(ctx context.Context, todo []pending, p Params) []job.Result {
	logger := ctxlog.FromContext(ctx)
	d.progress.begin(p.Stage.String(), len(todo))

	var early []job.Result
	units := make([]job.Unit, 0, len(todo))
	for _, t := range todo {
		e := t.entity
		dir, input, err := fsutil.PrepareWorkdir(p.WorkRoot, p.Stage.String(), e.ID, e.Input)
		if err != nil {
			logger.Warn("Could not prepare workdir.", "entity", e.ID, "error", err)
			early = append(early, job.Failed(e.ID, "io: %v", err))
			d.progress.taskDone(false)
			continue
		}
		task := job.Task{
			EntityID: e.ID,
			Kind:     p.Settings.Job,
			Workdir:  dir,
			Instructions: job.Instructions{
				Stage:       p.Stage,
				Components:  t.components,
				Input:       input,
				Command:     p.Settings.Command,
				RRHOProgram: p.Flags.ProgRRHO,
				Temperature: p.Flags.Temperature,
				Nuclei:      p.Flags.Nuclei,
			},
		}
		j, err := d.registry.Build(task)
		if err != nil {
			early = append(early, job.Failed(e.ID, "building job: %v", err))
			d.progress.taskDone(false)
			continue
		}
		units = append(units, job.Unit{Task: task, Job: trackedJob{Job: j, progress: d.progress}})
	}

	results := append(d.pool.Run(ctx, units), early...)
	job.SortResults(results)
	return results
}

// abort saves the set and returns the abort error for kind.
func (d *Driver) abort(ctx context.Context, kind failure.Kind, stage entity.Stage, cause error) error {
	abortErr := failure.Abort(kind, stage.String(), cause)
	if err := d.store.Save(ctx, d.set, checkpoint.ErrorExit); err != nil {
		ctxlog.FromContext(ctx).Error("Could not save checkpoint before abort.", "error", err)
		return errors.Join(abortErr, fmt.Errorf("saving checkpoint: %w", err))
	}
	return abortErr
}

func logDropSummary(ctx context.Context, drops []Drop) {
	if len(drops) == 0 {
		return
	}
	logger := ctxlog.FromContext(ctx)
	logger.Info("Dropped entities this stage.", "count", len(drops))
	for _, dr := range drops {
		logger.Info("  dropped", "entity", dr.EntityID, "reason", dr.Reason)
	}
}
