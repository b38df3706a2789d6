// Package version reports the build identity of the txcoord binary. The
// identity also tags object store requests and the telemetry resource.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// AppName identifies txcoord to object stores and collectors.
const AppName = "txcoord"

const (
	fallbackModule  = "github.com/Smoac/openbis-fork-sub014"
	fallbackVersion = "v0.0.0-unknown"
)

// buildVersion is set with
// -ldflags "-X github.com/Smoac/openbis-fork-sub014/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

type identity struct {
	module  string
	version string
}

var (
	loadOnce sync.Once
	loaded   identity
)

func current() identity {
	loadOnce.Do(func() {
		info, _ := debug.ReadBuildInfo()
		loaded = resolve(strings.TrimSpace(buildVersion), info)
	})
	return loaded
}

func resolve(override string, info *debug.BuildInfo) identity {
	id := identity{module: fallbackModule, version: fallbackVersion}
	if info != nil {
		if p := strings.TrimSpace(info.Main.Path); p != "" {
			id.module = p
		}
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			id.version = v
		} else if v := fromVCS(info.Settings); v != "" {
			id.version = v
		}
	}
	if override != "" {
		id.version = override
	}
	return id
}

// Current returns the release tag, a VCS pseudo-version or a placeholder.
func Current() string { return current().version }

// Module returns the main module path.
func Module() string { return current().module }

// UserAgent returns "txcoord/<version> (<os>/<arch>)".
func UserAgent() string {
	return AppName + "/" + Current() + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}

// fromVCS builds a Go style pseudo-version from the stamped VCS settings.
func fromVCS(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	rev, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if rev == "" || stamp == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "v0.0.0-" + ts.UTC().Format("20060102150405") + "-" + rev
	if vcs["vcs.modified"] == "true" {
		out += "+dirty"
	}
	return out
}
