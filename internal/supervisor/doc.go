// Package supervisor owns the proxy engine's lifecycle. It admits starts
// and stops through a strict state machine, picks the right transport for
// each run (direct child or privileged service), frees the engine's ports,
// probes the engine ready, validates its configuration, monitors it with
// heartbeats and falls back through degraded configurations when a start
// fails.
package supervisor
