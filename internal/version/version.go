// Package version exposes build information for streamcore.
//
// Values are injected at link time:
//
//	go build -ldflags "-X github.com/canalplus/rx-player-sub017/internal/version.Version=x.y.z \
//	                   -X github.com/canalplus/rx-player-sub017/internal/version.Commit=$(git rev-parse HEAD)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "streamcore"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// GetInfo returns the build information. When no commit was injected it falls
// back to the VCS revision recorded by the Go toolchain, if any.
func GetInfo() Info {
	commit := Commit
	if commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					commit = s.Value
				}
			}
		}
	}
	return Info{
		Version:   Version,
		Commit:    commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short returns "<name> <version>" with an abbreviated commit when known.
func Short() string {
	info := GetInfo()
	if len(info.Commit) >= 8 {
		return fmt.Sprintf("%s %s (%s)", ApplicationName, info.Version, info.Commit[:8])
	}
	return fmt.Sprintf("%s %s", ApplicationName, info.Version)
}

// UserAgent returns the User-Agent sent by the HTTP loaders.
func UserAgent() string {
	return ApplicationName + "/" + Version
}
