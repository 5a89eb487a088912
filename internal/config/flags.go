package config

import (
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// UnchangeableFlags pin cached geometries; a difference on restart is fatal.
var UnchangeableFlags = []string{"charge", "unpaired", "solvent", "gfn_version"}

// IsUnchangeable reports whether name is one of UnchangeableFlags.
func IsUnchangeable(name string) bool {
	for _, f := range UnchangeableFlags {
		if f == name {
			return true
		}
	}
	return false
}

// Value converts the flags into a cty object keyed by the cty tags.
func (f RunFlags) Value() (cty.Value, error) {
	if f.Nuclei == nil {
		f.Nuclei = []string{}
	}
	ty, err := gocty.ImpliedType(f)
	if err != nil {
		return cty.NilVal, fmt.Errorf("inferring flag snapshot type: %w", err)
	}
	val, err := gocty.ToCtyValue(f, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("building flag snapshot: %w", err)
	}
	return val, nil
}

// Snapshot serializes the flags as a JSON object for the checkpoint.
func (f RunFlags) Snapshot() ([]byte, error) {
	val, err := f.Value()
	if err != nil {
		return nil, err
	}
	return ctyjson.Marshal(val, val.Type())
}

// ParseSnapshot decodes a stored snapshot. The type is implied from the JSON
// itself so snapshots written by older versions with fewer flags still load.
func ParseSnapshot(data []byte) (cty.Value, error) {
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, fmt.Errorf("inferring snapshot type: %w", err)
	}
	if !ty.IsObjectType() {
		return cty.NilVal, fmt.Errorf("flag snapshot must be an object, got %s", ty.FriendlyName())
	}
	val, err := ctyjson.Unmarshal(data, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("decoding flag snapshot: %w", err)
	}
	return val, nil
}

// FlagChange describes one flag whose value differs from the snapshot.
type FlagChange struct {
	Name string
	Old  cty.Value
	New  cty.Value
	// Missing is set when the snapshot predates the flag.
	Missing bool
}

// Diff compares the stored snapshot with the current flags and returns every
// changed flag, sorted by name.
func Diff(old, current cty.Value) []FlagChange {
	var changes []FlagChange
	names := make([]string, 0, len(current.Type().AttributeTypes()))
	for name := range current.Type().AttributeTypes() {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cur := current.GetAttr(name)
		if !old.Type().HasAttribute(name) {
			changes = append(changes, FlagChange{Name: name, Old: cty.NullVal(cur.Type()), New: cur, Missing: true})
			continue
		}
		prev, err := convert.Convert(old.GetAttr(name), cur.Type())
		if err != nil || !sameValue(prev, cur) {
			changes = append(changes, FlagChange{Name: name, Old: old.GetAttr(name), New: cur})
		}
	}
	return changes
}

// sameValue compares two values of the same type. Numbers are compared as
// float64 because a JSON round trip does not preserve the binary precision
// of the original float.
func sameValue(a, b cty.Value) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() == b.IsNull()
	}
	ty := a.Type()
	switch {
	case ty == cty.Number:
		af, _ := a.AsBigFloat().Float64()
		bf, _ := b.AsBigFloat().Float64()
		return af == bf
	case ty.IsListType() || ty.IsTupleType():
		if a.LengthInt() != b.LengthInt() {
			return false
		}
		as, bs := a.AsValueSlice(), b.AsValueSlice()
		for i := range as {
			if !sameValue(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return a.Equals(b).True()
}

// Strings extracts a list of strings from a list, set or tuple value.
func Strings(v cty.Value) []string {
	if v.IsNull() || !v.IsKnown() || !v.CanIterateElements() {
		return nil
	}
	var out []string
	for it := v.ElementIterator(); it.Next(); {
		_, el := it.Element()
		if el.Type() == cty.String && !el.IsNull() {
			out = append(out, el.AsString())
		}
	}
	return out
}
