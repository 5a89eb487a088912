package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/confunnel/internal/cli"
)

func TestRun_InvalidRunFile(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	invalidHCL := `
		stage "screening" {
			threshold = 4
		// Missing closing brace here
	`
	filePath := filepath.Join(t.TempDir(), "run.hcl")
	require.NoError(t, os.WriteFile(filePath, []byte(invalidHCL), 0o600))
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, []string{filePath})

	// --- Assert ---
	require.Error(t, err)
	require.Equal(t, cli.ExitUsage, cli.ExitCode(err))
	require.Contains(t, err.Error(), "failed to load configuration")
}

func TestRun_EmptyExtensionIsAConfigError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	runFile := `
run {
  ensemble  = "ensemble"
  extension = ""
}

stage "screening" {
  command = ["true"]
}
`
	filePath := filepath.Join(dir, "run.hcl")
	require.NoError(t, os.WriteFile(filePath, []byte(runFile), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ensemble"), 0o755))

	// --- Act ---
	err := run(context.Background(), &bytes.Buffer{}, []string{filePath})

	// --- Assert ---
	require.Error(t, err)
	require.Equal(t, cli.ExitUsage, cli.ExitCode(err))
	require.Contains(t, err.Error(), "run.extension must not be empty")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}

	err := run(context.Background(), out, []string{"-h"})

	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}

	err := run(context.Background(), out, []string{"--this-is-not-a-valid-flag"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}

func TestRun_ExecJobEndToEnd(t *testing.T) {
	t.Parallel()

	// --- Arrange: a shell command standing in for the quantum chemistry program ---
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ensemble"), 0o755))
	for _, name := range []string{"a.xyz", "b.xyz"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ensemble", name), []byte("1\n\nH 0 0 0\n"), 0o644))
	}
	runFile := `
run {
  ensemble = "ensemble"
}

stage "screening" {
  command = ["sh", "-c", "echo '{\"energy\": -1.5}'"]
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.hcl"), []byte(runFile), 0o644))
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, []string{"-log-level", "debug", filepath.Join(dir, "run.hcl")})

	// --- Assert ---
	require.NoError(t, err, out.String())
	require.Contains(t, out.String(), "Funnel finished.")
	require.FileExists(t, filepath.Join(dir, "confunnel_checkpoint.json"))
	require.FileExists(t, filepath.Join(dir, "work", "screening", "a", "screening.out"))
}
