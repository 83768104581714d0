// Package version reports what build of switchboard is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Overridden at link time, e.g.
//
//	-ldflags "-X github.com/soyeahso/switchboard/internal/version.Version=1.0.0"
//
// Commit and Date fall back to the module's VCS stamp when left unset.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Build is the resolved build description.
type Build struct {
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Date     string `json:"date"`
	Modified bool   `json:"modified,omitempty"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

// Current resolves the build, preferring link-time values.
func Current() Build {
	b := Build{
		Version:  Version,
		Commit:   Commit,
		Date:     Date,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		b = fromSettings(b, info.Settings)
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

func fromSettings(b Build, settings []debug.BuildSetting) Build {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Date == "" {
				b.Date = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

// String formats b on one line.
func (b Build) String() string {
	commit := short(b.Commit)
	if b.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("switchboard %s (commit %s, built %s, %s %s)",
		b.Version, commit, b.Date, b.Go, b.Platform)
}

// Info is Current().String().
func Info() string {
	return Current().String()
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
