// Package msyncvar provides the version number of an msync build.
package msyncvar

import "runtime/debug"

// Version is the module version this binary was built from, "v0.1.2" for a
// build of a tagged release, "(devel)" otherwise. msync is always deployed
// from tagged releases, so no vcs revision fallback.
var Version = "(devel)"

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if bi.Main.Version != "" {
		Version = bi.Main.Version
	}
}
