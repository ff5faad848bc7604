// Package config handles configuration loading for bookdrop.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Zero-valued fields receive defaults and
// the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from BOOKDROP_CONFIG environment variable
//  3. ~/.config/bookdrop/config.yaml
//
// A missing file at the default location is not an error; defaults are used.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	storage:
//	  scratch_dir: "${BOOKDROP_SCRATCH}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:3001"
//
//	storage:
//	  scratch_dir: "/var/lib/bookdrop/uploads"   # emptied at startup
//
//	database:
//	  path: "/var/lib/bookdrop/events.db"        # ":memory:" by default
//	  retention: "720h"                          # older events are pruned
//
//	sessions:
//	  inactivity_timeout: "30s"
//	  absolute_timeout: "1h"
//	  max_artifacts: 12
//	  max_keys: 1000
//
//	uploads:
//	  max_file_size: 104857600
//	  max_files: 12
//
//	conversion:
//	  max_concurrent: 4
//	  timeout: "2m"
//	  kepubify: "kepubify"
//	  kindlegen: "/opt/kindlegen/kindlegen"
//	  pdfcropmargins: "pdfcropmargins"
//
//	limits:
//	  generate_per_minute: 20
//	  generate_burst: 5
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax.
package config
