// Package logging provides the application-wide structured logging helpers.
//
// All subsystems log through the same slog-backed handler using a subsystem
// tag, for example:
//
//	logging.Info("Supervisor", "engine started on port %d", port)
//
// The level is configured once at startup via Init and applies globally.
package logging
