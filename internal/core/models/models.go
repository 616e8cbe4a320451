package models

import (
	"fmt"
	"strings"
	"time"
)

// OperatingSystem identifies the platform an artifact was built for.
type OperatingSystem string

const (
	OSWindows   OperatingSystem = "windows"
	OSLinux     OperatingSystem = "linux"
	OSLinuxMusl OperatingSystem = "linuxmusl"
	OSBsd       OperatingSystem = "bsd"
	OSOsx       OperatingSystem = "osx"
)

// Runtime identifies how an artifact was compiled.
type Runtime string

const (
	// RuntimeLegacyManaged is the framework-dependent build.
	RuntimeLegacyManaged Runtime = "dotnet"
	// RuntimeNativeCompiled is the self-contained "-core-" build.
	RuntimeNativeCompiled Runtime = "netcore"
	// RuntimeMono is accepted from clients only and is treated as
	// RuntimeLegacyManaged.
	RuntimeMono Runtime = "mono"
)

// Architecture identifies the CPU architecture of an artifact.
type Architecture string

const (
	ArchX86   Architecture = "x86"
	ArchX64   Architecture = "x64"
	ArchArm   Architecture = "arm"
	ArchArm64 Architecture = "arm64"
)

// SourceKind names an upstream release source variant.
type SourceKind string

const (
	SourceGitHub   SourceKind = "github"
	SourceAzure    SourceKind = "azure"
	SourceAppVeyor SourceKind = "appveyor"
)

// SourceKinds lists every known source variant in a stable order.
var SourceKinds = []SourceKind{SourceGitHub, SourceAzure, SourceAppVeyor}

// ParseOperatingSystem parses a case-insensitive operating system name.
func ParseOperatingSystem(s string) (OperatingSystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windows":
		return OSWindows, nil
	case "linux":
		return OSLinux, nil
	case "linuxmusl", "linux-musl":
		return OSLinuxMusl, nil
	case "bsd", "freebsd":
		return OSBsd, nil
	case "osx", "macos":
		return OSOsx, nil
	}
	return "", fmt.Errorf("unknown operating system %q", s)
}

// ParseRuntime parses a case-insensitive runtime name. An empty string
// yields RuntimeLegacyManaged.
func ParseRuntime(s string) (Runtime, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dotnet", "legacymanaged":
		return RuntimeLegacyManaged, nil
	case "netcore", "nativecompiled":
		return RuntimeNativeCompiled, nil
	case "mono":
		return RuntimeMono, nil
	}
	return "", fmt.Errorf("unknown runtime %q", s)
}

// ParseArchitecture parses a case-insensitive architecture name. An empty
// string yields ArchX64.
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "x64", "amd64":
		return ArchX64, nil
	case "x86", "386":
		return ArchX86, nil
	case "arm", "armv7":
		return ArchArm, nil
	case "arm64", "aarch64":
		return ArchArm64, nil
	}
	return "", fmt.Errorf("unknown architecture %q", s)
}

// ParseSourceKind parses a case-insensitive source name.
func ParseSourceKind(s string) (SourceKind, error) {
	kind := SourceKind(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range SourceKinds {
		if k == kind {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// Changelog holds the user-facing change lines of a release.
type Changelog struct {
	New   []string `json:"new"`
	Fixed []string `json:"fixed"`
}

// Empty reports whether neither list has entries.
func (c Changelog) Empty() bool {
	return len(c.New) == 0 && len(c.Fixed) == 0
}

// Release is one versioned, branch-scoped publication.
type Release struct {
	ID              int64     `json:"id"`
	Version         string    `json:"version"`
	SortableVersion int64     `json:"sortable_version"`
	ReleaseDate     time.Time `json:"release_date"`
	Branch          string    `json:"branch"`
	Changelog       Changelog `json:"changelog"`
}

// MergeChangelog replaces each changelog list only when the matching input
// has at least one entry. A pass that matched nothing leaves the stored
// list as it was.
func (r *Release) MergeChangelog(newEntries, fixedEntries []string) {
	if len(newEntries) > 0 {
		r.Changelog.New = append([]string(nil), newEntries...)
	}
	if len(fixedEntries) > 0 {
		r.Changelog.Fixed = append([]string(nil), fixedEntries...)
	}
}

// Artifact is one downloadable file belonging to a release.
type Artifact struct {
	ID              int64           `json:"id"`
	ReleaseID       int64           `json:"release_id"`
	OperatingSystem OperatingSystem `json:"operating_system"`
	Runtime         Runtime         `json:"runtime"`
	Architecture    Architecture    `json:"architecture"`
	IsInstaller     bool            `json:"is_installer"`
	Filename        string          `json:"filename"`
	DownloadURL     string          `json:"download_url"`
	ContentHash     string          `json:"content_hash"`
}

// ArtifactWithRelease is an artifact joined with its owning release.
type ArtifactWithRelease struct {
	Artifact
	Release Release `json:"release"`
}

// Bundle is a release and the artifacts discovered for it by a source.
type Bundle struct {
	Release   Release
	Artifacts []Artifact
}

// Gate is a staged-rollout ceiling. Clients at or below Ceiling are offered
// nothing newer than UpgradeCeiling.
type Gate struct {
	Ceiling        string `json:"ceiling" yaml:"ceiling"`
	UpgradeCeiling string `json:"upgradeCeiling" yaml:"upgradeCeiling"`
}

// NotificationType is the severity of a client notification.
type NotificationType int

const (
	NotificationNotice  NotificationType = 1
	NotificationWarning NotificationType = 2
	NotificationError   NotificationType = 3
)

// Notification is a message shown to clients matching every non-empty
// filter list.
type Notification struct {
	ID               int64             `json:"id"`
	Type             NotificationType  `json:"type"`
	Message          string            `json:"message"`
	WikiURL          string            `json:"wikiUrl,omitempty"`
	OperatingSystems []OperatingSystem `json:"operatingSystems"`
	Runtimes         []Runtime         `json:"runtimes"`
	Architectures    []Architecture    `json:"architectures"`
	Versions         []string          `json:"versions"`
	Branches         []string          `json:"branches"`
}

// Matches reports whether the notification applies to the given client.
func (n Notification) Matches(version, branch string, os OperatingSystem, runtime Runtime, arch Architecture) bool {
	return matchAny(n.OperatingSystems, os) &&
		matchAny(n.Runtimes, runtime) &&
		matchAny(n.Architectures, arch) &&
		matchAny(n.Branches, branch) &&
		matchAny(n.Versions, version)
}

func matchAny[T comparable](list []T, v T) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type UpdateChanges struct {
	New   []string `json:"new"`
	Fixed []string `json:"fixed"`
}

type UpdatePackage struct {
	Version     string         `json:"version"`
	ReleaseDate time.Time      `json:"releaseDate"`
	Filename    string         `json:"filename"`
	URL         string         `json:"url"`
	Changes     *UpdateChanges `json:"changes"`
	Hash        string         `json:"hash"`
	Branch      string         `json:"branch"`
	Runtime     string         `json:"runtime,omitempty"`
}

type UpdatePackageContainer struct {
	Available     bool           `json:"available"`
	UpdatePackage *UpdatePackage `json:"updatePackage,omitempty"`
}

// ValidationResponse carries a client input problem without an HTTP
// failure status.
type ValidationResponse struct {
	ErrorMessage string `json:"errorMessage"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}
