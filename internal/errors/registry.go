package errors

type template struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

var registry = map[string]template{
	// Configuration (S100-S199)
	"S100": {
		Category:   CategoryConfig,
		Message:    "Configuration file not readable",
		Suggestion: "Check the path passed to --config",
	},
	"S101": {
		Category:   CategoryConfig,
		Message:    "Invalid configuration file",
		Detail:     "The file is not valid YAML or a field has the wrong type.",
		Suggestion: "Durations use Go syntax, for example 60s or 2m",
	},
	"S102": {
		Category:   CategoryConfig,
		Message:    "Invalid environment configuration",
		Detail:     "A SHINY_* environment variable could not be parsed.",
		Suggestion: "Unset the variable or fix its value",
	},
	"S103": {
		Category: CategoryConfig,
		Message:  "Configuration value out of range",
	},

	// Command line (S200-S299)
	"S200": {
		Category:   CategoryCLI,
		Message:    "Invalid command line",
		Suggestion: "Run 'shiny --help' for usage",
	},

	// Runtime (S300-S399)
	"S300": {
		Category:   CategoryRuntime,
		Message:    "Server failed",
		Suggestion: "Check that the address is free and reachable",
	},
}

// Lookup reports whether code is registered.
func Lookup(code string) bool {
	_, ok := registry[code]
	return ok
}
