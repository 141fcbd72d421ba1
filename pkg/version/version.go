// Package version reports the build version of the gochat binaries.
//
// Release builds inject the values with ldflags:
//
//	go build -ldflags "-X github.com/NicolasHaas/gochat/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/gochat/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/gochat/pkg/version.date=2026-01-01"
//
// Without ldflags the commit and date come from the VCS stamp the Go
// toolchain embeds in module builds, when present.
package version

import (
	"runtime/debug"
	"sync"
)

var (
	tag    = ""        // git tag (e.g. "v0.2.0"), empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

var stampOnce sync.Once

// fillFromBuildInfo applies the embedded VCS stamp to any value ldflags
// left unset.
func fillFromBuildInfo() {
	stampOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "unknown" && s.Value != "" {
					commit = shortSHA(s.Value)
				}
			case "vcs.time":
				if date == "unknown" && s.Value != "" {
					date = s.Value
				}
			}
		}
	})
}

func shortSHA(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// String returns a short version: the tag, else the commit, else "dev".
func String() string {
	fillFromBuildInfo()
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	fillFromBuildInfo()
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}

// Banner is the line printed by -version.
func Banner(binary string) string {
	return binary + " " + Full()
}
