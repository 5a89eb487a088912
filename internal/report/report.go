// Package report writes the human-readable YAML summary of a funnel run.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/funnel"
)

// Report is the document written at the end of a run, aborted or not.
type Report struct {
	RunID      string         `yaml:"run_id"`
	Generated  time.Time      `yaml:"generated"`
	Outcome    string         `yaml:"outcome"`
	Error      string         `yaml:"error,omitempty"`
	Stages     []Stage        `yaml:"stages"`
	Population []EntityWeight `yaml:"population,omitempty"`
}

type Stage struct {
	Name      string        `yaml:"name"`
	Keep      int           `yaml:"keep"`
	Backup    int           `yaml:"backup"`
	Discarded int           `yaml:"discarded"`
	Reused    int           `yaml:"reused"`
	Computed  int           `yaml:"computed"`
	Failed    int           `yaml:"failed"`
	Dropped   []funnel.Drop `yaml:"dropped,omitempty"`
}

type EntityWeight struct {
	ID            string  `yaml:"id"`
	Relative      float64 `yaml:"relative_kcal"`
	Weight        float64 `yaml:"weight"`
	RefinedWeight float64 `yaml:"refined_weight"`
	Selected      bool    `yaml:"selected"`
}

func New(runID string) *Report {
	return &Report{RunID: runID, Outcome: "running"}
}

// AddStage appends the counters of a finished or aborted stage.
func (r *Report) AddStage(out *funnel.Outcome) {
	if out == nil {
		return
	}
	r.Stages = append(r.Stages, Stage{
		Name:      out.Stage.String(),
		Keep:      len(out.Keep),
		Backup:    len(out.Backup),
		Discarded: out.Discarded,
		Reused:    out.Reused,
		Computed:  out.Computed,
		Failed:    out.Failed,
		Dropped:   out.Dropped,
	})
}

// SetPopulation records the weights of entities ordered by id. relative holds
// the kcal/mol offsets of the weighting stage.
func (r *Report) SetPopulation(entities []*entity.Entity, relative map[string]float64) {
	sorted := append([]*entity.Entity(nil), entities...)
	entity.SortByID(sorted)
	r.Population = r.Population[:0]
	for _, e := range sorted {
		r.Population = append(r.Population, EntityWeight{
			ID:            e.ID,
			Relative:      relative[e.ID],
			Weight:        e.Weight,
			RefinedWeight: e.RefinedWeight,
			Selected:      e.ConsiderForNext,
		})
	}
}

// Finish stamps the outcome. A nil err means the run completed.
func (r *Report) Finish(err error, now time.Time) {
	r.Generated = now.UTC()
	if err == nil {
		r.Outcome = "completed"
		return
	}
	r.Outcome = "aborted"
	r.Error = err.Error()
}

func (r *Report) Write(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report %s: %w", path, err)
	}
	return nil
}
