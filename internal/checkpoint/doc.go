// Package checkpoint owns the durable record set of a funnel run.
//
// A checkpoint is a single JSON file holding every entity record, the flag
// snapshot of the run that produced it and a short run history. Loading
// validates the schema, migrates older versions, refuses changed
// unchangeable flags and applies scoped invalidation for changed changeable
// flags. Saving is atomic and rotates the previous file once per run.
package checkpoint
