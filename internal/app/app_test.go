package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/failure"
	"github.com/vk/confunnel/internal/funnel"
	"github.com/vk/confunnel/internal/hcl"
	"github.com/vk/confunnel/internal/job"
	"github.com/vk/confunnel/internal/report"
	"github.com/vk/confunnel/internal/testutil"
)

const runFile = `
run {
  ensemble     = "ensemble"
  checkpoint   = "state/cp.json"
  workdir      = "work"
  max_workers  = 2
  failure_rate = 0.5
  removed      = ["CONF5"]
}

flags {
  charge = %d
}

stage "screening" {
  job           = "fake"
  threshold     = 4
  backup_margin = 2
}

stage "optimization" {
  job           = "fake"
  threshold     = 2.5
  backup_margin = 1
}

stage "refinement" {
  job = "fake"
}

stage "properties" {
  job = "fake"
}
`

const kcal = 1 / entity.HartreeToKcal

var energies = map[string]float64{
	"CONF0": -10,
	"CONF1": -10 + 0.5*kcal,
	"CONF2": -10 + 3*kcal,
	"CONF3": -10 + 10*kcal,
	"CONF5": -20,
}

// workspace lays out a run file and an ensemble of six structures.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ensemble"), 0o755))
	for i := 0; i < 6; i++ {
		name := filepath.Join(dir, "ensemble", fmt.Sprintf("CONF%d.xyz", i))
		require.NoError(t, os.WriteFile(name, []byte("1\n\nH 0 0 0\n"), 0o644))
	}
	writeRunFile(t, dir, 0)
	return dir
}

func writeRunFile(t *testing.T, dir string, charge int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.hcl"), []byte(fmt.Sprintf(runFile, charge)), 0o644))
}

func newTestApp(t *testing.T, dir string) (*App, *testutil.Calls, *testutil.SafeBuffer) {
	t.Helper()

	reg := job.NewRegistry()
	calls := testutil.RegisterFake(reg, testutil.Energies(energies))
	logs := &testutil.SafeBuffer{}
	cfg, err := NewConfig(Config{
		ConfigPath: filepath.Join(dir, "run.hcl"),
		LogLevel:   "debug",
		LogFormat:  "text",
		ReportPath: filepath.Join(dir, "report.yaml"),
	})
	require.NoError(t, err)

	a, err := NewApp(context.Background(), logs, cfg, hcl.NewLoader(), reg)
	require.NoError(t, err)

	t.Cleanup(func() {
		if os.Getenv("CONFUNNEL_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return a, calls, logs
}

func stageCalls(calls *testutil.Calls, stage entity.Stage) []string {
	var ids []string
	for _, task := range calls.Tasks() {
		if task.Instructions.Stage == stage {
			ids = append(ids, task.EntityID)
		}
	}
	return ids
}

func TestRun_FullFunnel(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := workspace(t)
	a, calls, logs := newTestApp(t, dir)

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"CONF0", "CONF1", "CONF2", "CONF3", "CONF4"}, stageCalls(calls, entity.Screening))
	assert.Equal(t, []string{"CONF0", "CONF1", "CONF2"}, stageCalls(calls, entity.Optimization))
	assert.Equal(t, []string{"CONF0", "CONF1"}, stageCalls(calls, entity.Refinement))
	assert.Equal(t, []string{"CONF0", "CONF1"}, stageCalls(calls, entity.Properties))
	assert.Contains(t, logs.String(), "Funnel finished.")
	assert.FileExists(t, filepath.Join(dir, "state", "cp.json"))

	data, err := os.ReadFile(filepath.Join(dir, "report.yaml"))
	require.NoError(t, err)
	var rep report.Report
	require.NoError(t, yaml.Unmarshal(data, &rep))
	assert.Equal(t, "completed", rep.Outcome)
	require.Len(t, rep.Stages, 4)
	assert.Equal(t, report.Stage{Name: "optimization", Keep: 2, Backup: 1, Computed: 3, Dropped: []funnel.Drop{
		{EntityID: "CONF2", Reason: "kept as backup at 3.00 kcal/mol"},
	}}, rep.Stages[1])
	require.Len(t, rep.Population, 2)
	total := rep.Population[0].RefinedWeight + rep.Population[1].RefinedWeight
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.Greater(t, rep.Population[0].Weight, rep.Population[1].Weight)
}

func TestRun_RestartReusesCheckpoint(t *testing.T) {
	t.Parallel()

	dir := workspace(t)
	first, _, _ := newTestApp(t, dir)
	require.NoError(t, first.Run(context.Background()))

	second, calls, logs := newTestApp(t, dir)
	require.NoError(t, second.Run(context.Background()))

	assert.Empty(t, calls.Tasks(), "a restart with unchanged flags must not recompute anything")
	assert.Contains(t, logs.String(), "failed in an earlier run")
	assert.FileExists(t, filepath.Join(dir, "state", "cp.json.1"))
}

func TestRun_UnchangeableFlagAborts(t *testing.T) {
	t.Parallel()

	dir := workspace(t)
	first, _, _ := newTestApp(t, dir)
	require.NoError(t, first.Run(context.Background()))

	writeRunFile(t, dir, 1)
	second, calls, _ := newTestApp(t, dir)
	err := second.Run(context.Background())

	require.Error(t, err)
	kind, _ := failure.KindOf(err)
	assert.Equal(t, failure.Schema, kind)
	assert.Empty(t, calls.Tasks())
}

func TestRun_EmptyEnsemble(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ensemble"), 0o755))
	writeRunFile(t, dir, 0)
	a, _, _ := newTestApp(t, dir)

	err := a.Run(context.Background())

	kind, _ := failure.KindOf(err)
	assert.Equal(t, failure.EmptySet, kind)
	data, rerr := os.ReadFile(filepath.Join(dir, "report.yaml"))
	require.NoError(t, rerr)
	assert.Contains(t, string(data), "outcome: aborted")
}

func TestNewApp_RejectsUnknownJobKind(t *testing.T) {
	t.Parallel()

	dir := workspace(t)
	cfg, err := NewConfig(Config{ConfigPath: filepath.Join(dir, "run.hcl")})
	require.NoError(t, err)

	_, err = NewApp(context.Background(), &testutil.SafeBuffer{}, cfg, hcl.NewLoader(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job kind 'fake'")
}

func TestNewConfig_RequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewConfig(Config{})
	require.Error(t, err)
}

func TestHealthAndStatusEndpoints(t *testing.T) {
	t.Parallel()

	dir := workspace(t)
	a, _, _ := newTestApp(t, dir)
	require.NoError(t, a.Run(context.Background()))
	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&status))
	assert.Equal(t, "properties", status.Stage)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Done)
	assert.False(t, strings.TrimSpace(status.RunID) == "")
}
