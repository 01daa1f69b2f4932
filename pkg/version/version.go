// Package version exposes the application version derived from build metadata.
package version

import "runtime/debug"

// AppName is the application name used in version strings and log banners.
const AppName = "nightwatch"

// GitCommit is the short git commit hash from build info, or "dev" when build
// info is unavailable (`go test`, non-git builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return "dev"
}

// Full returns "nightwatch/<commit>" for log banners and user-agent strings.
func Full() string {
	return AppName + "/" + GitCommit
}
