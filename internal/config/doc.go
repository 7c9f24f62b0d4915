// Package config defines helmsman's configuration model: where the engine
// binary lives, which ports it binds, the runtime network toggles that
// require a configuration reload when changed, and how to reach the
// privileged background service.
//
// Configuration is loaded from a single YAML file; unset fields receive
// defaults and the result is validated before use.
package config
