// Package config handles configuration loading for coven-mesh.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension),
// with ${VAR} expansion, then overridden from the environment. A missing file
// is not an error: defaults apply.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_MESH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/mesh.yaml
//  3. ~/.config/coven/mesh.yaml
//
// # Environment Overrides
//
// Every key can be overridden as COVEN_MESH_<SECTION>_<KEY>:
//
//	COVEN_MESH_LOGGING_LEVEL=debug
//	COVEN_MESH_ANALYTICS_KAFKA_BROKERS=k1:9092,k2:9092
//
// # Durations
//
// Durations are strings parsed with time.ParseDuration ("30s", "5m").
package config
