// Package config loads the configuration of the shiny command.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// SHINY_* environment variables.
//
//	address: ":8080"
//	liveness_window: 60s
//	sweep_interval: 30s
//	read_timeout: 60s
//	write_timeout: 10s
//	max_sessions: 0
//	max_message_size: 65536
//	log_level: info
//	debug: false
//
// Environment variables use the upper-case field names, for example
// SHINY_ADDRESS or SHINY_LIVENESS_WINDOW.
package config
