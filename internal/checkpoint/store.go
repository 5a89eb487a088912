package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vk/confunnel/internal/config"
	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/failure"
	"github.com/vk/confunnel/internal/fsutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects how a save is recorded in the run history.
type Mode int

const (
	// Normal is a regular save after a stage or at the end of the run.
	Normal Mode = iota
	// ErrorExit is the save that precedes a fatal abort. The caller is
	// expected to return the abort error after it.
	ErrorExit
)

func (m Mode) outcome() string {
	if m == ErrorExit {
		return "aborted"
	}
	return "ok"
}

// Store reads and writes one checkpoint file.
type Store struct {
	path    string
	backups int
	now     func() time.Time

	loaded  bool
	rotated bool
	runID   string
	flags   config.RunFlags
	history []RunEntry
}

// NewStore returns a store for path that keeps at most backups rotated copies.
func NewStore(path string, backups int) *Store {
	if backups < 1 {
		backups = 1
	}
	return &Store{path: path, backups: backups, now: time.Now}
}

func (s *Store) Path() string {
	return s.path
}

// RunID identifies the current invocation. It is assigned by Load.
func (s *Store) RunID() string {
	return s.runID
}

// History returns the run history including the current run.
func (s *Store) History() []RunEntry {
	return append([]RunEntry(nil), s.history...)
}

// Load reads the checkpoint written by earlier runs. A missing file yields an
// empty set and firstRun=true. Schema violations and changed unchangeable
// flags are returned as *failure.AbortError with kind Schema.
func (s *Store) Load(ctx context.Context, flags config.RunFlags) (*Set, bool, error) {
	logger := ctxlog.FromContext(ctx)

	s.flags = flags
	s.runID = uuid.NewString()
	s.loaded = true
	current := RunEntry{ID: s.runID, StartedAt: s.now().UTC(), Outcome: "running"}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("🆕 No checkpoint found, starting a fresh run.", "path", s.path, "run_id", s.runID)
		s.history = []RunEntry{current}
		return NewSet(), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading checkpoint %s: %w", s.path, err)
	}

	f, migrated, err := decodeFile(data)
	if err != nil {
		return nil, false, schemaError(s.path, err)
	}
	if migrated {
		logger.Warn("Migrated legacy checkpoint to the current schema.", "path", s.path, "version", CurrentVersion)
	}

	set := NewSet()
	defaulted := make(map[string]int)
	ids := make([]string, 0, len(f.Records))
	for id := range f.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e, fields, err := decodeRecord(id, f.Records[id])
		if err != nil {
			return nil, false, schemaError(s.path, err)
		}
		for _, name := range fields {
			defaulted[name]++
		}
		set.Add(e)
	}
	for _, name := range sortedKeys(defaulted) {
		logger.Warn("Checkpoint field missing, default applied.", "field", name, "records", defaulted[name])
	}

	if err := s.reconcileFlags(ctx, f.Flags, set); err != nil {
		return nil, false, err
	}

	s.history = append(f.RunHistory, current)
	logger.Info("📂 Checkpoint loaded.", "path", s.path, "records", set.Len(), "run_id", s.runID)
	return set, false, nil
}

// reconcileFlags compares the stored snapshot with the current flags,
// rejecting changed unchangeable flags and invalidating what depends on
// changed changeable ones.
func (s *Store) reconcileFlags(ctx context.Context, stored json.RawMessage, set *Set) error {
	logger := ctxlog.FromContext(ctx)

	old, err := config.ParseSnapshot(stored)
	if err != nil {
		return schemaError(s.path, err)
	}
	current, err := s.flags.Value()
	if err != nil {
		return fmt.Errorf("snapshotting current flags: %w", err)
	}

	var pinned []string
	for _, change := range config.Diff(old, current) {
		if config.IsUnchangeable(change.Name) {
			if change.Missing {
				logger.Warn("Unchangeable flag absent from checkpoint snapshot, accepting current value.", "flag", change.Name)
				continue
			}
			pinned = append(pinned, fmt.Sprintf("%s (%s -> %s)", change.Name, render(change.Old), render(change.New)))
			continue
		}

		reset, ok := invalidations[change.Name]
		if !ok {
			continue
		}
		touched := 0
		for _, e := range set.Entities() {
			if reset(e, change) {
				touched++
			}
		}
		logger.Info("🔄 Flag changed since last run, cached results invalidated.",
			"flag", change.Name, "old", render(change.Old), "new", render(change.New), "records", touched)
	}

	if len(pinned) > 0 {
		return failure.Abort(failure.Schema, "",
			fmt.Errorf("unchangeable flags differ from checkpoint %s: %s", s.path, strings.Join(pinned, ", ")))
	}
	return nil
}

// Save writes the whole set atomically. The first save of a run rotates the
// previous file to <path>.1, shifting older copies up to <path>.<backups>.
func (s *Store) Save(ctx context.Context, set *Set, mode Mode) error {
	if !s.loaded {
		return errors.New("checkpoint store: Save called before Load")
	}
	logger := ctxlog.FromContext(ctx)

	if !s.rotated {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("rotating checkpoint backups: %w", err)
		}
		s.rotated = true
	}

	snapshot, err := s.flags.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshotting flags: %w", err)
	}

	last := &s.history[len(s.history)-1]
	last.SavedAt = s.now().UTC()
	last.Outcome = mode.outcome()

	f := file{
		Version:    CurrentVersion,
		RunHistory: s.history,
		Flags:      snapshot,
		Records:    make(map[string]json.RawMessage, set.Len()),
	}
	for _, e := range set.Entities() {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding record %s: %w", e.ID, err)
		}
		f.Records[e.ID] = raw
	}

	data, err := marshalStable(f)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := writeFileAtomicDurable(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", s.path, err)
	}

	trace.SpanFromContext(ctx).AddEvent("checkpoint.saved", trace.WithAttributes(
		attribute.Int("records", set.Len()),
		attribute.String("outcome", mode.outcome()),
	))
	if mode == ErrorExit {
		logger.Warn("💾 Checkpoint saved before abort.", "path", s.path, "records", set.Len())
	} else {
		logger.Debug("💾 Checkpoint saved.", "path", s.path, "records", set.Len())
	}
	return nil
}

// rotate shifts <path>.i to <path>.i+1 and copies the current file to
// <path>.1. The current file stays in place until the new one replaces it.
func (s *Store) rotate() error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	oldest := backupName(s.path, s.backups)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for i := s.backups - 1; i >= 1; i-- {
		err := os.Rename(backupName(s.path, i), backupName(s.path, i+1))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return fsutil.CopyFile(s.path, backupName(s.path, 1))
}

func backupName(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}

func schemaError(path string, err error) error {
	return failure.Abort(failure.Schema, "", fmt.Errorf("checkpoint %s: %w", path, err))
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
