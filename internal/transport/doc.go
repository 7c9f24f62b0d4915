// Package transport abstracts the two ways the engine process can be run:
// as a direct child of the supervisor (sidecar) or through the installed
// privileged background service (reached over a unix-socket IPC protocol).
// The supervisor picks a transport once per start and sticks with it for
// the lifetime of that run.
package transport
