// Package config defines the format-agnostic run configuration: the run-wide
// settings, the per-stage tuning and the RunFlags whose snapshot is pinned in
// the checkpoint. Concrete file formats live in separate packages (see
// internal/hcl).
//
// RunFlags are split into unchangeable flags, which pin cached geometries and
// must not differ on restart, and changeable flags, whose changes trigger
// scoped invalidation of the cached fields that depend on them.
package config
