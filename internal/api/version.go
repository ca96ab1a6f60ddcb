package api

// Version information - these will be set at build time via ldflags
var (
	ServiceVersion = "dev"
	GitCommit      = "unknown"
	BuildTime      = "unknown"
)
