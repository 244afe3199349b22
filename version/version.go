package version

import (
	"fmt"
	"runtime"
)

var (
	// Version, Revision, and BuiltAt are injected at build time via -ldflags.
	Version  = "unknown"
	Revision = "unknown"
	BuiltAt  = "unknown"
)

// String renders the banner printed by the version command.
func String() string {
	version := ""
	version += fmt.Sprintf("Version:        %s\n", Version)
	version += fmt.Sprintf("Git hash:       %s\n", Revision)
	version += fmt.Sprintf("Built:          %s\n", BuiltAt)
	version += fmt.Sprintf("Golang version: %s\n", runtime.Version())
	version += fmt.Sprintf("OS/Arch:        %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return version
}
