// Package probe decides when a freshly started engine counts as up. The
// prober polls the control API with a bounded retry budget; the validator
// then confirms the engine actually loaded its configuration.
package probe
