// Package funnel drives one pipeline stage at a time: it reuses cached
// results, submits the missing work to the worker pool, applies the failure
// breaker and partitions the survivors into keep, backup and discard bands.
package funnel
