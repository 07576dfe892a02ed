// Package config defines the typed configuration surface for the broker
// daemon: identity provider registration, agent identity, cache bounds,
// callback boundary, and downstream exchange settings.
//
// Configuration is loaded from a YAML file with defaults applied for unset
// values; secrets are overridden from the environment so they can be kept
// out of files.
package config
