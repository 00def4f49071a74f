// Package version reports which build of mixdown is running.
package version

import (
	"runtime/debug"
	"strings"
)

// Version is set by the release build:
//
//	go build -ldflags "-X github.com/mixdown/mixdown/version.Version=$(git describe --dirty)"
var Version string

// Info describes the running binary. Revision and Modified come from the VCS
// stamp the go tool embeds; both are empty for builds outside a checkout.
type Info struct {
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// Get collects Info for the running binary.
func Get() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{Version: Version}
	}
	return FromBuildInfo(Version, info)
}

// FromBuildInfo fills Info from the settings of a build. Release is the
// linker provided version and may be empty.
func FromBuildInfo(release string, b *debug.BuildInfo) Info {
	ret := Info{Version: release, GoVersion: b.GoVersion}
	for _, s := range b.Settings {
		switch s.Key {
		case "vcs.revision":
			ret.Revision = s.Value
		case "vcs.modified":
			ret.Modified = s.Value == "true"
		}
	}
	return ret
}

// Short is the release version if there is one, otherwise the abbreviated
// revision, marked when the working tree had local changes.
func (i Info) Short() string {
	if i.Version != "" {
		return i.Version
	}
	if i.Revision == "" {
		return "devel"
	}
	rev := i.Revision[:min(7, len(i.Revision))]
	if i.Modified {
		rev += "-dirty"
	}
	return rev
}

func (i Info) String() string {
	var sb strings.Builder
	sb.WriteString("mixdown ")
	sb.WriteString(i.Short())
	if i.GoVersion != "" {
		sb.WriteString(" (")
		sb.WriteString(i.GoVersion)
		sb.WriteString(")")
	}
	return sb.String()
}
