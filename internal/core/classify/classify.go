// Package classify maps release artifact filenames to the platform they
// target. The same rules apply to every release source so that ingestion
// and update resolution share one vocabulary.
package classify

import (
	"regexp"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
)

var (
	nativeAsset    = regexp.MustCompile(`(bsd|linux|linux-musl|osx|osx-app|windows)-core-(x86|x64|arm|arm64)`)
	windowsAsset   = regexp.MustCompile(`(windows(-core-(x86|x64|arm|arm64))?\.zip|installer\.exe)$`)
	linuxAsset     = regexp.MustCompile(`linux(-core-(x86|x64|arm|arm64))?\.tar\.gz$`)
	linuxMuslAsset = regexp.MustCompile(`linux-musl(-core-(x64|arm|arm64))?\.tar\.gz$`)
	bsdAsset       = regexp.MustCompile(`bsd(-core-(x64|arm|arm64))?\.tar\.gz$`)
	osxAsset       = regexp.MustCompile(`osx(-app)?(-core-(x64|arm|arm64))?\.(tar\.gz|zip)$`)
	archToken      = regexp.MustCompile(`core-(?P<arch>x86|x64|arm|arm64)(-installer)?\.`)
	installerAsset = regexp.MustCompile(`installer\.exe|osx-app`)
)

// Classification describes the platform an artifact targets.
type Classification struct {
	OS           models.OperatingSystem
	Runtime      models.Runtime
	Architecture models.Architecture
	IsInstaller  bool
}

// Classify returns the classification for filename. The boolean is false
// when the filename matches no known artifact pattern, e.g. debug symbol
// bundles; callers skip those.
func Classify(filename string) (Classification, bool) {
	os, ok := operatingSystem(filename)
	if !ok {
		return Classification{}, false
	}
	return Classification{
		OS:           os,
		Runtime:      runtime(filename),
		Architecture: architecture(filename),
		IsInstaller:  installerAsset.MatchString(filename),
	}, true
}

func operatingSystem(filename string) (models.OperatingSystem, bool) {
	switch {
	case windowsAsset.MatchString(filename):
		return models.OSWindows, true
	case linuxAsset.MatchString(filename):
		return models.OSLinux, true
	case linuxMuslAsset.MatchString(filename):
		return models.OSLinuxMusl, true
	case bsdAsset.MatchString(filename):
		return models.OSBsd, true
	case osxAsset.MatchString(filename):
		return models.OSOsx, true
	}
	return "", false
}

func runtime(filename string) models.Runtime {
	if nativeAsset.MatchString(filename) {
		return models.RuntimeNativeCompiled
	}
	return models.RuntimeLegacyManaged
}

// architecture defaults to x64: legacy builds carry no arch token.
func architecture(filename string) models.Architecture {
	m := archToken.FindStringSubmatch(filename)
	if m == nil {
		return models.ArchX64
	}
	switch m[archToken.SubexpIndex("arch")] {
	case "x86":
		return models.ArchX86
	case "arm":
		return models.ArchArm
	case "arm64":
		return models.ArchArm64
	}
	return models.ArchX64
}
