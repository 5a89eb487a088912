package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vk/confunnel/internal/ctxlog"
)

// KindExec runs an external command in the task's working directory and
// reads a JSON object of numeric values from its standard output.
const KindExec Kind = "exec"

// maxDiagnostics bounds how much stderr is kept on a failed outcome.
const maxDiagnostics = 2048

type execJob struct {
	task Task
	argv []string
}

// NewExec is the Factory for KindExec. Placeholders in the configured command
// ({id}, {workdir}, {input}, {stage}, {components}, {rrho}, {temperature},
// {nuclei}) are expanded once, at build time.
func NewExec(task Task) (Job, error) {
	if len(task.Instructions.Command) == 0 {
		return nil, errors.New("exec job requires a command")
	}
	replacer := strings.NewReplacer(
		"{id}", task.EntityID,
		"{workdir}", task.Workdir,
		"{input}", task.Instructions.Input,
		"{stage}", task.Instructions.Stage.String(),
		"{components}", joinComponents(task.Instructions.Components),
		"{rrho}", task.Instructions.RRHOProgram,
		"{temperature}", strconv.FormatFloat(task.Instructions.Temperature, 'f', -1, 64),
		"{nuclei}", strings.Join(task.Instructions.Nuclei, ","),
	)
	argv := make([]string, len(task.Instructions.Command))
	for i, arg := range task.Instructions.Command {
		argv[i] = replacer.Replace(arg)
	}
	return &execJob{task: task, argv: argv}, nil
}

// Execute runs the command to completion. There is no timeout: a hung
// process hangs its worker.
func (j *execJob) Execute(ctx context.Context) Outcome {
	logger := ctxlog.FromContext(ctx).With("entity", j.task.EntityID, "stage", j.task.Instructions.Stage.String())
	logger.Debug("Running external command.", "argv", j.argv, "workdir", j.task.Workdir)

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(j.argv[0], j.argv[1:]...)
	cmd.Dir = j.task.Workdir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	outPath := filepath.Join(j.task.Workdir, j.task.Instructions.Stage.String()+".out")
	if err := os.WriteFile(outPath, stdout.Bytes(), 0o644); err != nil {
		logger.Warn("Could not keep command output.", "path", outPath, "error", err)
	}

	if runErr != nil {
		return Outcome{Diagnostics: fmt.Sprintf("%s: %v: %s", j.argv[0], runErr, tail(stderr.String()))}
	}

	values, err := decodeValues(stdout.Bytes())
	if err != nil {
		return Outcome{Diagnostics: fmt.Sprintf("%s: %v", j.argv[0], err)}
	}
	if missing := missingValues(j.task.Instructions, values); len(missing) > 0 {
		return Outcome{Values: values, Diagnostics: fmt.Sprintf("%s: missing values %s", j.argv[0], strings.Join(missing, ", "))}
	}
	return Outcome{Success: true, Values: values}
}

// decodeValues reads the last non-empty line of output as a JSON object.
func decodeValues(out []byte) (map[string]float64, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, errors.New("no output")
	}
	values := make(map[string]float64)
	if err := json.Unmarshal([]byte(last), &values); err != nil {
		return nil, fmt.Errorf("decoding result line: %w", err)
	}
	return values, nil
}

// missingValues lists the value keys the instructions require but the job
// did not report.
func missingValues(in Instructions, values map[string]float64) []string {
	var missing []string
	need := func(key string) {
		if _, ok := values[key]; !ok {
			missing = append(missing, key)
		}
	}
	if in.Wants(Energy) {
		need(ValueEnergy)
	}
	if in.Wants(Solvation) {
		need(ValueSolvation)
	}
	if in.Wants(RRHO) {
		need(ValueRRHO)
	}
	if in.Wants(Properties) {
		for _, n := range in.Nuclei {
			need(ShieldingKey(n))
		}
	}
	return missing
}

func joinComponents(cs []Component) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDiagnostics {
		return s
	}
	return s[len(s)-maxDiagnostics:]
}
