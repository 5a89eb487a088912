package funnel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/confunnel/internal/checkpoint"
	"github.com/vk/confunnel/internal/config"
	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/failure"
	"github.com/vk/confunnel/internal/job"
	"github.com/vk/confunnel/internal/testutil"
)

type recordingSaver struct {
	mu          sync.Mutex
	modes       []checkpoint.Mode
	panicOnSave bool
}

func (s *recordingSaver) Save(_ context.Context, _ *checkpoint.Set, mode checkpoint.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnSave && mode == checkpoint.Normal {
		panic("disk on fire")
	}
	s.modes = append(s.modes, mode)
	return nil
}

type fixture struct {
	driver *Driver
	saver  *recordingSaver
	calls  *testutil.Calls
	params Params
}

func newFixture(t *testing.T, entities []*entity.Entity, script testutil.Script) *fixture {
	t.Helper()
	reg := job.NewRegistry()
	calls := testutil.RegisterFake(reg, script)
	saver := &recordingSaver{}
	return &fixture{
		driver: New(checkpoint.NewSet(entities...), saver, reg, 3),
		saver:  saver,
		calls:  calls,
		params: Params{
			Stage: entity.Screening,
			Settings: &config.StageSettings{
				Enabled:      true,
				Job:          testutil.FakeKind,
				Threshold:    2.0,
				BackupMargin: 2.0,
			},
			Flags:        config.RunFlags{ProgRRHO: "xtb", Temperature: 298.15, Nuclei: []string{"1h"}},
			WorkRoot:     t.TempDir(),
			FailureCheck: true,
			FailureRate:  0.5,
		},
	}
}

func makeEntities(n int) []*entity.Entity {
	out := make([]*entity.Entity, n)
	for i := range out {
		out[i] = entity.New(fmt.Sprintf("CONF%d", i))
	}
	return out
}

func TestRunStage_PartitionsComputedEntities(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	// --- Arrange ---
	entities := makeEntities(4)
	energies := map[string]float64{
		"CONF0": -10.0,
		"CONF1": -10.0 + 1.5/entity.HartreeToKcal,
		"CONF2": -10.0 + 3.9/entity.HartreeToKcal,
		"CONF3": -10.0 + 6.0/entity.HartreeToKcal,
	}
	f := newFixture(t, entities, testutil.Energies(energies))

	// --- Act ---
	out, err := f.driver.RunStage(ctx, entities, f.params)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"CONF0", "CONF1"}, idsOf(out.Keep))
	assert.Equal(t, []string{"CONF2"}, idsOf(out.Backup))
	assert.Equal(t, 1, out.Discarded)
	assert.Equal(t, 4, out.Computed)
	assert.Equal(t, []checkpoint.Mode{checkpoint.Normal}, f.saver.modes)

	assert.True(t, entities[0].ConsiderForNext)
	assert.False(t, entities[2].ConsiderForNext)
	assert.True(t, entities[2].Backup)
	assert.False(t, entities[3].ConsiderForNext)
	assert.False(t, entities[3].Backup)

	v, ok := entities[1].Value(entity.Screening)
	require.True(t, ok)
	assert.Equal(t, energies["CONF1"], v)
	assert.DirExists(t, filepath.Join(f.params.WorkRoot, "screening", "CONF3"))

	snap := f.driver.Progress().Snapshot()
	assert.Equal(t, ProgressSnapshot{Stage: "screening", Total: 4, Done: 4}, snap)
}

func TestRunStage_ReusesCachedResults(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	entities := makeEntities(3)
	entities[0].MarkCalculated(entity.Screening, -10.0)
	f := newFixture(t, entities, testutil.Energies(map[string]float64{"CONF1": -10.001, "CONF2": -10.0005}))

	out, err := f.driver.RunStage(ctx, entities, f.params)

	require.NoError(t, err)
	assert.Equal(t, []string{"CONF1", "CONF2"}, f.calls.IDs())
	assert.Equal(t, 1, out.Reused)
	assert.Equal(t, 2, out.Computed)
	assert.Len(t, out.Keep, 3)
}

func TestRunStage_CascadingExclusion(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	// --- Arrange ---
	entities := makeEntities(3)
	energies := map[string]float64{"CONF0": -10.0, "CONF2": -10.001}
	f := newFixture(t, entities, testutil.Energies(energies))
	f.params.FailureCheck = false

	// --- Act: CONF1 fails screening ---
	_, err := f.driver.RunStage(ctx, entities, f.params)
	require.NoError(t, err)
	require.Equal(t, entity.Failed, entities[1].Status(entity.Screening))
	assert.False(t, entities[1].ConsiderForNext)

	// --- Act: the failed entity is offered to the next stage anyway ---
	energies["CONF1"] = -99
	f.params.Stage = entity.Optimization
	out, err := f.driver.RunStage(ctx, entities, f.params)

	// --- Assert ---
	require.NoError(t, err)
	assert.NotContains(t, idsOf(out.Keep), "CONF1")
	optimized := 0
	for _, task := range f.calls.Tasks() {
		if task.Instructions.Stage == entity.Optimization {
			optimized++
			assert.NotEqual(t, "CONF1", task.EntityID)
		}
	}
	assert.Equal(t, 2, optimized)
	assert.Contains(t, out.Dropped, Drop{EntityID: "CONF1", Reason: "failed in stage screening"})
	assert.Equal(t, entity.NotCalculated, entities[1].Status(entity.Optimization))
}

func TestRunStage_DropsPriorFailuresAndRemoved(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	entities := makeEntities(3)
	entities[0].MarkFailed(entity.Screening, "scf did not converge")
	entities[1].RemovedByUser = true
	f := newFixture(t, entities, testutil.Energies(map[string]float64{"CONF0": -1, "CONF1": -1, "CONF2": -1}))

	out, err := f.driver.RunStage(ctx, entities, f.params)

	require.NoError(t, err)
	assert.Equal(t, []string{"CONF2"}, f.calls.IDs())
	assert.Equal(t, []string{"CONF2"}, idsOf(out.Keep))
	assert.Contains(t, out.Dropped, Drop{EntityID: "CONF0", Reason: "failed in an earlier run: scf did not converge"})
	assert.Contains(t, out.Dropped, Drop{EntityID: "CONF1", Reason: "removed by user"})
}

func TestRunStage_FailureBreakerSavesAndAborts(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	// --- Arrange: 3 of 10 tasks fail against a 0.25 threshold ---
	entities := makeEntities(10)
	energies := map[string]float64{}
	for i := 3; i < 10; i++ {
		energies[fmt.Sprintf("CONF%d", i)] = -10
	}
	f := newFixture(t, entities, testutil.Energies(energies))
	f.params.FailureRate = 0.25

	// --- Act ---
	out, err := f.driver.RunStage(ctx, entities, f.params)

	// --- Assert ---
	require.Error(t, err)
	kind, ok := failure.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, failure.FailureRate, kind)
	assert.Contains(t, err.Error(), "3 of 10 tasks failed")
	assert.Equal(t, []checkpoint.Mode{checkpoint.ErrorExit}, f.saver.modes)
	require.NotNil(t, out)
	assert.Equal(t, 3, out.Failed)
	assert.Equal(t, entity.Failed, entities[0].Status(entity.Screening))
	assert.Equal(t, entity.Calculated, entities[5].Status(entity.Screening))
}

func TestRunStage_FailureBreakerTolerance(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	entities := makeEntities(10)
	energies := map[string]float64{}
	for i := 2; i < 10; i++ {
		energies[fmt.Sprintf("CONF%d", i)] = -10
	}
	f := newFixture(t, entities, testutil.Energies(energies))
	f.params.FailureRate = 0.25

	out, err := f.driver.RunStage(ctx, entities, f.params)

	require.NoError(t, err)
	assert.Equal(t, 2, out.Failed)
	assert.Len(t, out.Keep, 8)
}

func TestRunStage_FailureBreakerCountsIncompleteValues(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	// --- Arrange: 3 of 10 jobs report success without an energy ---
	entities := makeEntities(10)
	energies := map[string]float64{}
	for i := 3; i < 10; i++ {
		energies[fmt.Sprintf("CONF%d", i)] = -10
	}
	complete := testutil.Energies(energies)
	script := func(task job.Task) job.Outcome {
		if _, ok := energies[task.EntityID]; !ok {
			return job.Outcome{Success: true, Values: map[string]float64{}}
		}
		return complete(task)
	}
	f := newFixture(t, entities, script)
	f.params.FailureRate = 0.25

	// --- Act ---
	out, err := f.driver.RunStage(ctx, entities, f.params)

	// --- Assert ---
	require.Error(t, err)
	kind, ok := failure.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, failure.FailureRate, kind)
	assert.Contains(t, err.Error(), "3 of 10 tasks failed")
	assert.Equal(t, []checkpoint.Mode{checkpoint.ErrorExit}, f.saver.modes)
	require.NotNil(t, out)
	assert.Equal(t, 3, out.Failed)
	assert.Equal(t, entity.Failed, entities[0].Status(entity.Screening))
	assert.Contains(t, entities[0].Stages[entity.Screening].Reason, "job reported no energy")
}

func TestRunStage_EmptySetAborts(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	entities := makeEntities(2)
	f := newFixture(t, entities, testutil.Energies(nil))
	f.params.FailureCheck = false

	_, err := f.driver.RunStage(ctx, entities, f.params)

	require.Error(t, err)
	kind, _ := failure.KindOf(err)
	assert.Equal(t, failure.EmptySet, kind)
	assert.Equal(t, []checkpoint.Mode{checkpoint.ErrorExit}, f.saver.modes)
}

func TestRunStage_PanicBecomesAbort(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	entities := makeEntities(1)
	f := newFixture(t, entities, testutil.Energies(map[string]float64{"CONF0": -1}))
	f.saver.panicOnSave = true

	out, err := f.driver.RunStage(ctx, entities, f.params)

	require.Error(t, err)
	assert.Nil(t, out)
	kind, _ := failure.KindOf(err)
	assert.Equal(t, failure.StagePanic, kind)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, []checkpoint.Mode{checkpoint.ErrorExit}, f.saver.modes)
}

func TestRunStage_RequestsOnlyMissingComponents(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	// --- Arrange ---
	entities := makeEntities(3)
	// CONF0 lost only its thermal correction.
	r0 := entities[0].Result(entity.Optimization)
	r0.Energy = entity.Float(-10.0)
	r0.Solvation = entity.Float(-0.01)
	// CONF1 has every component cached but no combined value.
	r1 := entities[1].Result(entity.Optimization)
	r1.Energy = entity.Float(-10.002)
	r1.Solvation = entity.Float(-0.01)
	r1.Thermal["xtb"] = 0.1
	// CONF2 is new.

	f := newFixture(t, entities, testutil.Energies(map[string]float64{"CONF0": -50, "CONF2": -10.001}))
	f.params.Stage = entity.Optimization
	f.params.Settings.EvaluateRRHO = true
	f.params.Settings.EvaluateSolvation = true
	f.params.Settings.Threshold = 100

	// --- Act ---
	out, err := f.driver.RunStage(ctx, entities, f.params)

	// --- Assert ---
	require.NoError(t, err)
	tasks := f.calls.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, []job.Component{job.RRHO}, tasks[0].Instructions.Components)
	assert.Equal(t, []job.Component{job.Energy, job.Solvation, job.RRHO}, tasks[1].Instructions.Components)
	assert.Equal(t, 1, out.Reused)

	v0, _ := entities[0].Value(entity.Optimization)
	assert.InDelta(t, -10.01, v0, 1e-12, "cached energy is kept, scripted energy ignored")
	v1, _ := entities[1].Value(entity.Optimization)
	assert.InDelta(t, -9.912, v1, 1e-12)
}

func TestRunStage_IOFailureBeforeSubmission(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	entities := makeEntities(2)
	entities[0].Input = filepath.Join(t.TempDir(), "missing.xyz")
	present := filepath.Join(t.TempDir(), "CONF1.xyz")
	require.NoError(t, os.WriteFile(present, []byte("1\n"), 0o644))
	entities[1].Input = present

	f := newFixture(t, entities, testutil.Energies(map[string]float64{"CONF0": -1, "CONF1": -1}))
	f.params.FailureCheck = false

	out, err := f.driver.RunStage(ctx, entities, f.params)

	require.NoError(t, err)
	assert.Equal(t, []string{"CONF1"}, f.calls.IDs())
	assert.Equal(t, entity.Failed, entities[0].Status(entity.Screening))
	assert.Contains(t, entities[0].Stages[entity.Screening].Reason, "io:")
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, filepath.Join(f.params.WorkRoot, "screening", "CONF1", "CONF1.xyz"), f.calls.Tasks()[0].Instructions.Input)
}

func TestRunStage_PropertiesKeepsEveryone(t *testing.T) {
	t.Parallel()
	ctx := ctxlog.Discard(context.Background())

	entities := makeEntities(2)
	f := newFixture(t, entities, testutil.Energies(map[string]float64{"CONF0": -1, "CONF1": -2}))
	f.params.Stage = entity.Properties
	f.params.Settings.Threshold = 0

	out, err := f.driver.RunStage(ctx, entities, f.params)

	require.NoError(t, err)
	assert.Len(t, out.Keep, 2)
	assert.Zero(t, out.Discarded)
	for _, task := range f.calls.Tasks() {
		assert.Equal(t, []job.Component{job.Properties}, task.Instructions.Components)
	}
	props := entities[0].Stages[entity.Properties]
	assert.Equal(t, map[string]float64{"1h": 1}, props.Shieldings)
	assert.Equal(t, map[string]float64{"1h": 0.5}, props.Couplings)
}
