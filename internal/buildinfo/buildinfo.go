// Package buildinfo reports the version Aria was built from. Release
// builds stamp the variables below with -ldflags; plain "go build"
// binaries fall back to the VCS metadata the Go toolchain embeds.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via -ldflags "-X github.com/nugget/aria/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime,omitempty"`
}

var (
	vcsOnce     sync.Once
	vcsRevision string
	vcsTime     string
	vcsModified bool
)

func readVCS() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			vcsRevision = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			vcsModified = s.Value == "true"
		}
	}
}

// Get returns the static build metadata. Uptime is left empty.
func Get() Info {
	vcsOnce.Do(readVCS)

	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if info.GitCommit == "unknown" && vcsRevision != "" {
		info.GitCommit = shortRevision(vcsRevision)
		info.Modified = vcsModified
	}
	if info.BuildTime == "unknown" && vcsTime != "" {
		info.BuildTime = vcsTime
	}
	return info
}

// Runtime returns Get plus the process uptime.
func Runtime() Info {
	info := Get()
	info.Uptime = Uptime().String()
	return info
}

// Uptime returns the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on outbound requests.
func UserAgent() string {
	return "aria/" + Version + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}

// String returns a one-line summary such as "Aria v1.2.0 (3f9c2ab, main)".
func String() string {
	info := Get()
	commit := info.GitCommit
	if info.Modified {
		commit += "-dirty"
	}
	return "Aria " + info.Version + " (" + commit + ", " + info.GitBranch + ")"
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
