// Package config handles configuration loading for mimic.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Defaults are applied before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MIMIC_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mimic/config.yaml
//  3. ~/.config/mimic/config.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${MIMIC_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	queue:
//	  delay: "1s"
//	links:
//	  retention: "720h"
//
// # Replacements
//
// The replacements mapping is applied to outgoing text in document order:
//
//	replacements:
//	  "t.me/": "example.org/"
//	  "example.org/": "mirror.example.org/"
//
// # Hot Reload
//
// Rooms, blacklist and replacements take effect on reload, either through
// the control API or, with reload.watch, when the file changes. Every other
// section requires a restart.
package config
