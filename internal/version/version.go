// Package version reports what build of sealbox is running. Release builds
// set Version, Revision and BuildDate with -ldflags; other builds fall back to
// the module and VCS metadata embedded by the Go toolchain.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/openmined/sealbox/internal/codec"
)

const (
	AppName = "Sealbox"

	devVersion  = "0.1.0-dev"
	devRevision = "HEAD"
)

var (
	Version   = devVersion
	Revision  = devRevision
	BuildDate = ""
)

// Info describes the running binary.
type Info struct {
	Version   string
	Revision  string
	BuildDate string
	GoVersion string
	Platform  string
	Codec     string
}

func Get() Info {
	return Info{
		Version:   Version,
		Revision:  Revision,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Codec:     codec.Name(),
	}
}

// Short is `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// Detailed is `0.1.0 (5e23a4; go1.24.2; linux/amd64; goccy/go-json; 2025-01-02T03:04:05Z)`.
// The build date is left out when unknown.
func Detailed() string {
	info := Get()
	parts := []string{info.Revision, info.GoVersion, info.Platform, info.Codec}
	if info.BuildDate != "" {
		parts = append(parts, info.BuildDate)
	}
	return fmt.Sprintf("%s (%s)", info.Version, strings.Join(parts, "; "))
}

// fillFromBuild replaces values still at their defaults with the embedded
// module version and VCS settings. Values set by -ldflags are kept.
func fillFromBuild(mainVersion string, settings []debug.BuildSetting) {
	if Version == devVersion && mainVersion != "" && mainVersion != "(devel)" {
		Version = strings.TrimPrefix(mainVersion, "v")
	}

	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	if Revision == devRevision && vcs["vcs.revision"] != "" {
		Revision = vcs["vcs.revision"]
		if vcs["vcs.modified"] == "true" {
			Revision += "-dirty"
		}
	}
	if BuildDate == "" {
		BuildDate = vcs["vcs.time"]
	}
}

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		fillFromBuild(info.Main.Version, info.Settings)
	}
}
