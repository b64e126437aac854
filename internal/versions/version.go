// Package versions provides build version information and version
// comparison helpers.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknown = "unknown"

// Set at build time via -ldflags.
var (
	// Version is the current version of the sync server.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = unknown
	// BuildDate is the date when the binary was built.
	BuildDate = unknown
)

// VersionInfo represents the version information
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information, filling in anything
// the linker did not set from the embedded VCS build info.
func GetVersionInfo() VersionInfo {
	return buildVersionInfo(Version, Commit, BuildDate)
}

func buildVersionInfo(version, commit, buildDate string) VersionInfo {
	if version == "dev" {
		commit, buildDate = fromBuildInfo(commit, buildDate)
	}

	if buildDate != unknown {
		if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
			buildDate = t.Format("2006-01-02 15:04:05 MST")
		}
	}

	// Development builds are named after the commit.
	if version == "dev" {
		version = fmt.Sprintf("build-%.8s", commit)
	}

	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func fromBuildInfo(commit, buildDate string) (string, string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, buildDate
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if commit == unknown {
				commit = setting.Value
			}
		case "vcs.time":
			if buildDate == unknown {
				buildDate = setting.Value
			}
		}
	}
	return commit, buildDate
}
