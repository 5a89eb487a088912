package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/confunnel/internal/checkpoint"
	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/failure"
	"github.com/vk/confunnel/internal/funnel"
	"github.com/vk/confunnel/internal/population"
	"github.com/vk/confunnel/internal/report"
)

// Run executes the funnel: load the checkpoint, add the ensemble, run every
// enabled stage, weight the survivors and run the property stage on the
// coverage set. Fatal conditions come back as *failure.AbortError after the
// checkpoint has been saved.
func (a *App) Run(ctx context.Context) (err error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.HealthcheckPort > 0 {
		a.startHealthcheckServer(ctx, a.config.HealthcheckPort)
		defer a.closeHealthcheckServer(ctx)
	}

	run := a.model.Run
	store := checkpoint.NewStore(run.Checkpoint, run.Backups)
	set, firstRun, err := store.Load(ctx, a.model.Flags)
	if err != nil {
		return err
	}
	a.runID.Store(store.RunID())
	a.logger.Info("🚀 Starting funnel run.", "run_id", store.RunID(), "first_run", firstRun, "workers", run.MaxWorkers)

	rep := report.New(store.RunID())
	if a.config.ReportPath != "" {
		defer func() {
			rep.Finish(err, time.Now())
			if werr := rep.Write(a.config.ReportPath); werr != nil {
				a.logger.Error("Could not write report.", "path", a.config.ReportPath, "error", werr)
				return
			}
			a.logger.Info("📝 Report written.", "path", a.config.ReportPath)
		}()
	}

	if err := a.bootstrap(ctx, set); err != nil {
		return err
	}
	if set.Len() == 0 {
		return failure.Abort(failure.EmptySet, "", fmt.Errorf("no structures with extension %s in %s", run.Extension, run.Ensemble))
	}

	driver := funnel.New(set, store, a.registry, run.MaxWorkers)
	a.progress.Store(driver.Progress())

	active := set.Entities()
	var weighted *funnel.Outcome
	for _, stage := range entity.AllStages() {
		st := a.model.Stage(stage)
		if !st.Enabled {
			a.logger.Info("⏭️ Skipping disabled stage.", "stage", stage)
			continue
		}

		if !stage.Filters() && weighted != nil {
			active, err = a.selectPopulation(ctx, store, set, rep, active, weighted)
			if err != nil {
				return err
			}
			weighted = nil
		}

		out, err := driver.RunStage(ctx, active, funnel.Params{
			Stage:        stage,
			Settings:     st,
			Flags:        a.model.Flags,
			WorkRoot:     run.Workdir,
			FailureCheck: run.FailureCheck,
			FailureRate:  run.FailureRate,
		})
		rep.AddStage(out)
		if err != nil {
			return err
		}
		active = out.Keep
		if stage.Filters() {
			weighted = out
		}
	}

	// No property stage ran: weight the final filtering stage anyway.
	if weighted != nil {
		if _, err := a.selectPopulation(ctx, store, set, rep, active, weighted); err != nil {
			return err
		}
	}

	a.logger.Info("🏁 Funnel finished.", "survivors", len(active), "run_id", store.RunID())
	return nil
}

// selectPopulation weights the survivors of the last filtering stage, picks
// the coverage set and persists the weights.
func (a *App) selectPopulation(ctx context.Context, store *checkpoint.Store, set *checkpoint.Set, rep *report.Report, active []*entity.Entity, last *funnel.Outcome) ([]*entity.Entity, error) {
	run := a.model.Run
	err := population.ComputeWeights(ctx, active, last.Stage, a.model.Flags.Temperature, run.TrimCutoff)
	if errors.Is(err, population.ErrNoValues) {
		return nil, failure.Abort(failure.EmptySet, last.Stage.String(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("computing population after %s: %w", last.Stage, err)
	}

	selected := population.SelectCoverageSet(active, run.CoverageTarget)
	a.logger.Info("⚖️ Population weighted.", "stage", last.Stage, "entities", len(active), "selected", len(selected), "target", run.CoverageTarget)

	if err := store.Save(ctx, set, checkpoint.Normal); err != nil {
		return nil, fmt.Errorf("saving population weights: %w", err)
	}
	rep.SetPopulation(active, last.Relative)
	return selected, nil
}
