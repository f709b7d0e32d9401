// Package errors provides the structured diagnostics printed by the shiny
// command.
//
// A Diagnostic carries a code from the registry, a short message, an
// optional longer explanation and a hint on how to fix the problem:
//
//	err := errors.New("S101").
//	    WithDetail("liveness_window: time: invalid duration \"soon\"").
//	    WithSuggestion("Durations use Go syntax, for example 60s or 2m")
//
//	errors.Print(os.Stderr, err)
//	// ERROR S101: Invalid configuration file
//	//
//	//   liveness_window: time: invalid duration "soon"
//	//
//	//   Hint: Durations use Go syntax, for example 60s or 2m
//
// Codes are grouped by category: S1xx for configuration, S2xx for the
// command line and S3xx for the runtime.
package errors
