// Package config loads the engine configuration with the precedence
// defaults, then YAML file, then FLEETCORE_* environment variables.
package config
