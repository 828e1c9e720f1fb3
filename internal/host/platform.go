package host

import (
	"fmt"
	"runtime"
	"strings"
)

type InstallMethod int

const (
	InstallDirect InstallMethod = iota
	InstallNPM
	InstallBrew
)

func (m InstallMethod) String() string {
	switch m {
	case InstallNPM:
		return "npm"
	case InstallBrew:
		return "homebrew"
	default:
		return "direct"
	}
}

// DetectInstallMethod checks the binary path to see whether a package
// manager owns it.
func DetectInstallMethod(exe string) InstallMethod {
	lower := strings.ToLower(exe)
	if strings.Contains(lower, "node_modules") || strings.Contains(lower, "/npm/") {
		return InstallNPM
	}
	if strings.Contains(lower, "/cellar/") || strings.Contains(lower, "/homebrew/") {
		return InstallBrew
	}
	return InstallDirect
}

// PlatformKey returns the manifest key for the running platform, e.g.
// "linux-x86_64" or "darwin-aarch64".
func PlatformKey() string {
	return platformKey(runtime.GOOS, runtime.GOARCH)
}

func platformKey(goos, goarch string) string {
	var arch string
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	case "arm":
		arch = "armv7"
	default:
		arch = goarch
	}
	return fmt.Sprintf("%s-%s", goos, arch)
}
