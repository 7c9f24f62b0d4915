// Package engineapi implements the HTTP client for the proxy engine's local
// control API. It covers the small surface the supervisor needs: version and
// configuration queries for readiness probing, full configuration reloads,
// and partial patches for runtime toggles.
package engineapi
