// Package app contains the core application logic. It wires the run file,
// the checkpoint store, the stage driver and the population aggregator into
// one funnel run, decoupled from any specific entrypoint like a CLI.
package app
