// Package version holds the release version of vmcache. The variables
// are set at link time with -ldflags "-X ...".
package version

import (
	"fmt"
	"strconv"
)

var (
	// Major will be incremented on big releases.
	Major = "0"
	// Minor will be incremented on small releases.
	Minor = "1"
	// Patch should be incremented on every released change.
	Patch = "0"
	// ReleaseType is "beta", "alpha" or "" for final releases
	ReleaseType = "beta"
	// GitRev is the current HEAD of git of this release
	GitRev = ""
	// BuildTime is the ISO8601 timestamp of the current build
	BuildTime = ""
)

func parseVersionNum(v, what string) int {
	if len(v) <= 0 {
		return 0
	}

	num, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("Cannot parse %s version: %v", what, err))
	}

	return num
}

// Numbers returns a tuple of (major, minor, patch)
func Numbers() (int, int, int) {
	return parseVersionNum(Major, "major"),
		parseVersionNum(Minor, "minor"),
		parseVersionNum(Patch, "patch")
}

// String returns a Maj.Min.Patch string.
func String() string {
	base := fmt.Sprintf("v%s.%s.%s", Major, Minor, Patch)
	if ReleaseType != "" {
		base += "-" + ReleaseType
	}

	if len(GitRev) >= 7 {
		base += "+" + GitRev[:7]
	}

	return base
}
