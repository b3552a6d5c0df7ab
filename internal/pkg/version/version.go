package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version (injected at build time via ldflags)
	Version = "dev"

	// GitCommit is the git commit hash (injected at build time via ldflags)
	GitCommit = "unknown"

	// BuildDate is the build date (injected at build time via ldflags)
	BuildDate = "unknown"
)

// Info is the build information printed by the version command
type Info struct {
	Version   string `yaml:"version"`
	Commit    string `yaml:"commit"`
	BuildDate string `yaml:"build_date"`
	GoVersion string `yaml:"go_version"`
	Platform  string `yaml:"platform"`
}

// Get returns the build information of the running binary
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// GetFullVersion returns a detailed version string with build info
func GetFullVersion() string {
	i := Get()
	return fmt.Sprintf("%s (commit: %s, built: %s, %s %s)",
		i.Version, shortCommit(i.Commit), i.BuildDate, i.GoVersion, i.Platform)
}

func shortCommit(c string) string {
	if c != "unknown" && len(c) > 7 {
		return c[:7]
	}
	return c
}
