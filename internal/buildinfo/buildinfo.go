package buildinfo

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
}

// UserAgent identifies outbound telemetry API calls.
func UserAgent() string {
	if Commit != "" {
		return "fleetsync/" + Version + " (" + Commit + ")"
	}
	return "fleetsync/" + Version
}
