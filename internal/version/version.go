// Package version reports the build version the simulator CLI prints. The
// release pipeline stamps buildVersion through ldflags; source builds fall
// back to the module version or a VCS pseudo-version from build info.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule   = "pkt.systems/hyperspace"
	fallbackVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/hyperspace/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the most specific version string available: the ldflags
// stamp, the module version from build info, or a pseudo-version derived
// from the VCS settings.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fallbackVersion
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsVersion(info); v != "" {
		return v
	}
	return fallbackVersion
}

// Module returns the main module path from build info.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// vcsVersion shapes the embedded VCS revision and commit time into a Go
// style pseudo-version. Empty when the binary was built outside a checkout.
func vcsVersion(info *debug.BuildInfo) string {
	var stamp struct {
		revision string
		time     string
		dirty    bool
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			stamp.revision = s.Value
		case "vcs.time":
			stamp.time = s.Value
		case "vcs.modified":
			stamp.dirty = s.Value == "true"
		}
	}
	if stamp.revision == "" || stamp.time == "" {
		return ""
	}
	commitTime, err := time.Parse(time.RFC3339, stamp.time)
	if err != nil {
		return ""
	}
	if len(stamp.revision) > 12 {
		stamp.revision = stamp.revision[:12]
	}
	v := fmt.Sprintf("v0.0.0-%s-%s", commitTime.UTC().Format("20060102150405"), stamp.revision)
	if stamp.dirty {
		v += "+dirty"
	}
	return v
}
