// Package ports frees the TCP listen ports the engine needs before it
// starts. It inspects the host's connection table, terminates holders
// gracefully with bounded retries, and falls back to the privileged service
// when it lacks the rights to signal a holder itself.
package ports
