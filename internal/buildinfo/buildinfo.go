package buildinfo

import "runtime"

// Set via -ldflags "-X mealroute/internal/buildinfo.Version=..."
var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"service":   "mealroute",
		"version":   Version,
		"commit":    Commit,
		"builtAt":   BuiltAt,
		"goVersion": runtime.Version(),
	}
}
