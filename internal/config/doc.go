// Package config provides the configuration for the modhost module host.
//
// Configuration is layered, higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  4. Command Line Flags      │  ← Highest priority
//	├─────────────────────────────┤
//	│  3. Environment (MODHOST_*) │
//	├─────────────────────────────┤
//	│  2. TOML File               │  ← --config path
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// Flags are applied by the caller after Load returns.
//
// # Basic Usage
//
//	cfg, err := config.Load("modhost.toml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//
// # Environment
//
// Every field has an environment name derived from its section, for
// example MODHOST_HOST_VERSION, MODHOST_MODULES_ROOTS (comma separated) or
// MODHOST_CLEANUP_INTERVAL ("90s").
package config
