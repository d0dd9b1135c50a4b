// Package version identifies the datawallet build. The release pipeline sets
// the variables below through -ldflags -X so `datawallet version` and the
// /healthz endpoint name the exact binary serving tasks.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is what operators see when they ask a running wallet which build it is.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String is the cobra --version text, e.g. "v1.2.0 (abc1234)".
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}

// Full is the banner printed by `datawallet version`.
func Full() string {
	i := GetInfo()
	return fmt.Sprintf("datawallet %s (%s) built %s with %s", i.Version, i.GitCommit, i.BuildDate, i.GoVersion)
}
