package app

import (
	"context"
	"fmt"

	"github.com/vk/confunnel/internal/checkpoint"
	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/fsutil"
)

// bootstrap adds every structure file of the ensemble to the set and applies
// the user's removal list. Existing records are never deleted.
func (a *App) bootstrap(ctx context.Context, set *checkpoint.Set) error {
	logger := ctxlog.FromContext(ctx)
	run := a.model.Run

	files, err := fsutil.FindFilesByExtension(run.Ensemble, run.Extension)
	if err != nil {
		return fmt.Errorf("scanning ensemble %s: %w", run.Ensemble, err)
	}

	seen := make(map[string]string, len(files))
	added := 0
	for _, path := range files {
		id := fsutil.Stem(path)
		if prev, dup := seen[id]; dup {
			logger.Warn("Duplicate structure id in ensemble, keeping the first file.", "entity", id, "kept", prev, "ignored", path)
			continue
		}
		seen[id] = path

		if e, ok := set.Get(id); ok {
			e.Input = path
			continue
		}
		e := entity.New(id)
		e.Input = path
		set.Add(e)
		added++
	}

	for _, id := range run.Removed {
		e, ok := set.Get(id)
		if !ok {
			logger.Warn("Entity listed as removed is unknown.", "entity", id)
			continue
		}
		if !e.RemovedByUser {
			logger.Info("Entity removed by user.", "entity", id)
		}
		e.RemovedByUser = true
	}

	logger.Info("📦 Ensemble loaded.", "files", len(files), "new", added, "records", set.Len())
	return nil
}
