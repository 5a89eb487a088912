// Package entity defines the candidate structures tracked through the funnel
// and the fixed catalogue of stages they pass through.
//
// An Entity is created on first encounter (from the initial ensemble or from a
// checkpoint record) and is never deleted afterwards. Only the stage driver
// mutates its per-stage results, and only after a stage's worker-pool batch has
// been joined.
package entity
