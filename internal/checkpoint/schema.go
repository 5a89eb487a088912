package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/vk/confunnel/internal/entity"
)

// CurrentVersion is the schema version written by Save.
const CurrentVersion = 2

const legacyFlagsKey = "__flags__"

// RunEntry records one invocation that wrote the checkpoint.
type RunEntry struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	SavedAt   time.Time `json:"saved_at"`
	Outcome   string    `json:"outcome"`
}

// file is the on-disk layout of schema version 2. Records stay raw until
// each one has been checked for missing fields.
type file struct {
	Version    int                        `json:"version"`
	RunHistory []RunEntry                 `json:"run_history"`
	Flags      json.RawMessage            `json:"flags"`
	Records    map[string]json.RawMessage `json:"records"`
}

// optionalFields are record keys that older writers may have omitted.
var optionalFields = []struct {
	key   string
	apply func(*entity.Entity)
}{
	{"consider_for_next", func(e *entity.Entity) { e.ConsiderForNext = true }},
	{"removed_by_user", func(e *entity.Entity) { e.RemovedByUser = false }},
	{"backup", func(e *entity.Entity) { e.Backup = false }},
	{"degeneracy", func(e *entity.Entity) { e.Degeneracy = entity.Float(1.0) }},
	{"symmetry", func(e *entity.Entity) { e.Symmetry = "c1" }},
	{"weight", func(e *entity.Entity) { e.Weight = 0 }},
	{"refined_weight", func(e *entity.Entity) { e.RefinedWeight = 0 }},
}

var mandatoryFields = []string{"id", "stages"}

// decodeFile reads any supported schema version and returns it as version 2.
func decodeFile(data []byte) (*file, bool, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, false, fmt.Errorf("checkpoint is not a JSON object: %w", err)
	}

	rawVersion, ok := top["version"]
	if !ok {
		f, err := migrateV1(top)
		return f, true, err
	}

	var version int
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return nil, false, fmt.Errorf("invalid checkpoint version: %w", err)
	}
	if version != CurrentVersion {
		return nil, false, fmt.Errorf("unsupported checkpoint version %d (want %d)", version, CurrentVersion)
	}

	var f file
	if err := decodeStrict(data, &f); err != nil {
		return nil, false, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if len(f.Flags) == 0 || bytes.Equal(f.Flags, []byte("null")) {
		return nil, false, errors.New("checkpoint has no flag snapshot")
	}
	if f.Records == nil {
		f.Records = map[string]json.RawMessage{}
	}
	return &f, false, nil
}

// decodeRecord validates one raw record and fills defaultable fields.
// The names of defaulted fields are returned so the caller can warn.
func decodeRecord(key string, raw json.RawMessage) (*entity.Entity, []string, error) {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		return nil, nil, fmt.Errorf("record %q is not an object: %w", key, err)
	}
	for _, name := range mandatoryFields {
		if v, ok := present[name]; !ok || bytes.Equal(v, []byte("null")) {
			return nil, nil, fmt.Errorf("record %q is missing mandatory field %q", key, name)
		}
	}

	e := &entity.Entity{}
	if err := decodeStrict(raw, e); err != nil {
		return nil, nil, fmt.Errorf("record %q: %w", key, err)
	}
	if e.ID != key {
		return nil, nil, fmt.Errorf("record %q carries mismatched id %q", key, e.ID)
	}

	var defaulted []string
	for _, f := range optionalFields {
		if _, ok := present[f.key]; !ok {
			f.apply(e)
			defaulted = append(defaulted, f.key)
		}
	}

	for stage, r := range e.Stages {
		if r == nil {
			delete(e.Stages, stage)
			continue
		}
		if r.Thermal == nil {
			r.Thermal = make(map[string]float64)
		}
		switch {
		case r.Status == entity.Calculated && r.Value == nil:
			return nil, nil, fmt.Errorf("record %q: stage %s is calculated but has no value", key, stage)
		case r.Status != entity.Calculated && r.Value != nil:
			r.Value = nil
			defaulted = append(defaulted, stage.String()+".value")
		}
	}
	return e, defaulted, nil
}

// migrateV1 converts the legacy flat layout into version 2. Legacy files map
// ids straight to records, keep the flag snapshot under a reserved key and
// store per-stage data as "<stage>_status" and "<stage>_energy".
func migrateV1(top map[string]json.RawMessage) (*file, error) {
	f := &file{
		Version: CurrentVersion,
		Records: make(map[string]json.RawMessage, len(top)),
	}
	flags, ok := top[legacyFlagsKey]
	if !ok {
		return nil, errors.New("legacy checkpoint has no flag snapshot")
	}
	f.Flags = flags

	ids := make([]string, 0, len(top))
	for id := range top {
		if id != legacyFlagsKey {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec, err := migrateV1Record(id, top[id])
		if err != nil {
			return nil, err
		}
		f.Records[id] = rec
	}
	return f, nil
}

func migrateV1Record(id string, raw json.RawMessage) (json.RawMessage, error) {
	var old map[string]json.RawMessage
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, fmt.Errorf("legacy record %q is not an object: %w", id, err)
	}

	out := make(map[string]any, len(old))
	stages := make(map[string]map[string]any)
	for key, val := range old {
		switch key {
		case "id", "consider_for_next", "removed_by_user", "backup":
			out[key] = val
			continue
		}
		name, field, ok := strings.Cut(key, "_")
		if !ok {
			return nil, fmt.Errorf("legacy record %q has unknown field %q", id, key)
		}
		if _, err := entity.ParseStage(name); err != nil {
			return nil, fmt.Errorf("legacy record %q has unknown field %q", id, key)
		}
		slot, ok := stages[name]
		if !ok {
			slot = map[string]any{"status": "not_calculated"}
			stages[name] = slot
		}
		switch field {
		case "status":
			slot["status"] = val
		case "energy":
			slot["energy"] = val
			slot["value"] = val
		default:
			return nil, fmt.Errorf("legacy record %q has unknown field %q", id, key)
		}
	}
	out["stages"] = stages

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("migrating legacy record %q: %w", id, err)
	}
	return data, nil
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func marshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
