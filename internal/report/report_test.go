package report

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/funnel"
)

func TestReport_WritesStagesAndPopulation(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	a, b := entity.New("CONF2"), entity.New("CONF1")
	a.Weight, a.RefinedWeight = 0.3, 0.3
	b.Weight, b.RefinedWeight = 0.7, 0.7
	a.ConsiderForNext = false

	r := New("run-1")
	r.AddStage(&funnel.Outcome{
		Stage:     entity.Screening,
		Keep:      []*entity.Entity{a, b},
		Discarded: 1,
		Computed:  3,
		Dropped:   []funnel.Drop{{EntityID: "CONF3", Reason: "above threshold at 6.00 kcal/mol"}},
	})
	r.AddStage(nil)
	r.SetPopulation([]*entity.Entity{a, b}, map[string]float64{"CONF2": 0.5})
	r.Finish(nil, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "out", "report.yaml")

	// --- Act ---
	require.NoError(t, r.Write(path))

	// --- Assert ---
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Report
	require.NoError(t, yaml.Unmarshal(data, &got))

	assert.Equal(t, "completed", got.Outcome)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, Stage{
		Name:      "screening",
		Keep:      2,
		Discarded: 1,
		Computed:  3,
		Dropped:   []funnel.Drop{{EntityID: "CONF3", Reason: "above threshold at 6.00 kcal/mol"}},
	}, got.Stages[0])
	require.Len(t, got.Population, 2)
	assert.Equal(t, "CONF1", got.Population[0].ID)
	assert.True(t, got.Population[0].Selected)
	assert.Equal(t, 0.5, got.Population[1].Relative)
	assert.False(t, got.Population[1].Selected)
	assert.Contains(t, string(data), "relative_kcal: 0.5")
}

func TestReport_FinishRecordsAbort(t *testing.T) {
	t.Parallel()

	r := New("run-2")
	r.Finish(errors.New("aborted in stage screening (empty-set): no entity survived the stage"), time.Now())

	assert.Equal(t, "aborted", r.Outcome)
	assert.Contains(t, r.Error, "empty-set")
}
