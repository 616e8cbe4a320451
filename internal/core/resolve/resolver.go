// Package resolve answers client update queries: it normalizes the client
// fingerprint, applies staged-rollout gates and branch redirects, and picks
// artifacts from the release store.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
	"github.com/Servarr/ServarrAPI.Update/internal/core/version"
)

// ChangesCount is the number of releases returned by Changes.
const ChangesCount = 5

const invalidVersionMessage = "Invalid version number specified."

// ValidationError reports a problem with client input. It is answered with
// a message body, not a failure status.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Config holds the rollout tables.
type Config struct {
	VersionGates    []models.Gate
	RuntimeGates    []models.Gate
	BranchRedirects map[string]string
}

type gate struct {
	ceiling int64
	upgrade int64
}

// Resolver selects artifacts for clients.
type Resolver struct {
	store        services.ReleaseStore
	versionGates []gate
	runtimeGates []gate
	redirects    map[string]string
}

// Query is a client fingerprint as received.
type Query struct {
	Branch           string
	OS               models.OperatingSystem
	Runtime          models.Runtime
	Architecture     models.Architecture
	InstalledVersion string
	RuntimeVersion   string
	Installer        bool
	Count            int
}

// New builds a Resolver. Gate versions must be valid 4-component versions.
func New(store services.ReleaseStore, cfg Config) (*Resolver, error) {
	versionGates, err := compileGates("version gate", cfg.VersionGates)
	if err != nil {
		return nil, err
	}
	runtimeGates, err := compileGates("runtime gate", cfg.RuntimeGates)
	if err != nil {
		return nil, err
	}

	redirects := make(map[string]string, len(cfg.BranchRedirects))
	for from, to := range cfg.BranchRedirects {
		redirects[strings.ToLower(from)] = to
	}

	return &Resolver{
		store:        store,
		versionGates: versionGates,
		runtimeGates: runtimeGates,
		redirects:    redirects,
	}, nil
}

func compileGates(kind string, gates []models.Gate) ([]gate, error) {
	compiled := make([]gate, 0, len(gates))
	for _, g := range gates {
		ceiling, err := version.Encode(g.Ceiling)
		if err != nil {
			return nil, fmt.Errorf("%s ceiling: %w", kind, err)
		}
		upgrade, err := version.Encode(g.UpgradeCeiling)
		if err != nil {
			return nil, fmt.Errorf("%s upgrade ceiling: %w", kind, err)
		}
		compiled = append(compiled, gate{ceiling: ceiling, upgrade: upgrade})
	}
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].ceiling < compiled[j].ceiling })
	return compiled, nil
}

// Normalize applies, in order: the Mono alias, the legacy architecture
// default, the legacy OS collapse and the branch redirect.
func (r *Resolver) Normalize(q Query) Query {
	if q.Runtime == models.RuntimeMono || q.Runtime == "" {
		q.Runtime = models.RuntimeLegacyManaged
	}

	if q.Runtime == models.RuntimeLegacyManaged {
		if q.OS == models.OSWindows {
			q.Architecture = models.ArchX86
		} else {
			q.Architecture = models.ArchX64
		}

		if q.OS == models.OSLinuxMusl || q.OS == models.OSBsd {
			q.OS = models.OSLinux
		}
	}
	if q.Architecture == "" {
		q.Architecture = models.ArchX64
	}

	if to, ok := r.redirects[strings.ToLower(q.Branch)]; ok {
		q.Branch = to
	}
	return q
}

// UpperBound returns the sortable ceiling for a normalized query, or nil
// when no gate applies. Unparseable versions do not gate.
func (r *Resolver) UpperBound(q Query) *int64 {
	var bounds []int64

	if q.InstalledVersion != "" {
		if v, err := version.ParseLoose(q.InstalledVersion); err == nil {
			if b, ok := lookup(r.versionGates, v.Sortable()); ok {
				bounds = append(bounds, b)
			}
		}
	}

	if q.Runtime == models.RuntimeLegacyManaged && q.OS != models.OSWindows && q.RuntimeVersion != "" {
		if v, err := version.ParseLoose(q.RuntimeVersion); err == nil {
			if b, ok := lookup(r.runtimeGates, v.Sortable()); ok {
				bounds = append(bounds, b)
			}
		}
	}

	if len(bounds) == 0 {
		return nil
	}
	bound := bounds[0]
	for _, b := range bounds[1:] {
		if b < bound {
			bound = b
		}
	}
	return &bound
}

// lookup finds the gate with the smallest ceiling at or above installed.
func lookup(gates []gate, installed int64) (int64, bool) {
	for _, g := range gates {
		if g.ceiling >= installed {
			return g.upgrade, true
		}
	}
	return 0, false
}

// platformMatters reports whether runtime and architecture discriminate
// artifacts for the platform.
func platformMatters(q Query) bool {
	if q.Runtime == models.RuntimeNativeCompiled {
		return true
	}
	switch q.OS {
	case models.OSLinux, models.OSLinuxMusl, models.OSBsd:
		return true
	}
	return false
}

func filterFor(q Query) services.ArtifactFilter {
	f := services.ArtifactFilter{
		Branch:    q.Branch,
		OS:        q.OS,
		Installer: q.Installer,
		Limit:     q.Count,
	}
	if f.Limit <= 0 {
		f.Limit = 1
	}
	if platformMatters(q) {
		rt := q.Runtime
		arch := q.Architecture
		f.Runtime = &rt
		f.Architecture = &arch
	}
	return f
}

// Resolve returns the matching artifacts, newest first.
func (r *Resolver) Resolve(ctx context.Context, q Query) ([]models.ArtifactWithRelease, error) {
	q = r.Normalize(q)
	f := filterFor(q)
	f.MaxSortableVersion = r.UpperBound(q)

	artifacts, err := r.store.QueryArtifacts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", q.Branch, err)
	}
	return artifacts, nil
}

// Check reports whether a newer release than the installed version exists
// for the client.
func (r *Resolver) Check(ctx context.Context, q Query) (models.UpdatePackageContainer, error) {
	installed, err := version.ParseLoose(q.InstalledVersion)
	if err != nil {
		return models.UpdatePackageContainer{}, &ValidationError{Message: invalidVersionMessage}
	}

	q.Count = 1
	q.Installer = false
	candidates, err := r.Resolve(ctx, q)
	if err != nil {
		return models.UpdatePackageContainer{}, err
	}
	if len(candidates) == 0 {
		return models.UpdatePackageContainer{Available: false}, nil
	}

	best := candidates[0]
	candidate, err := version.ParseLoose(best.Release.Version)
	if err != nil {
		return models.UpdatePackageContainer{}, fmt.Errorf("stored release %q: %w", best.Release.Version, err)
	}
	if version.Compare(candidate, installed) <= 0 {
		return models.UpdatePackageContainer{Available: false}, nil
	}

	pkg := Package(best)
	pkg.Runtime = string(best.Runtime)
	return models.UpdatePackageContainer{Available: true, UpdatePackage: &pkg}, nil
}

// Changes returns up to ChangesCount recent packages with their changelogs.
func (r *Resolver) Changes(ctx context.Context, q Query) ([]models.UpdatePackage, error) {
	q.Count = ChangesCount
	q.Installer = false
	artifacts, err := r.Resolve(ctx, q)
	if err != nil {
		return nil, err
	}

	packages := make([]models.UpdatePackage, 0, len(artifacts))
	for _, a := range artifacts {
		packages = append(packages, Package(a))
	}
	return packages, nil
}

// UpdateFile returns the artifact for an exact version, or the newest one
// when exact is empty. Nil means nothing matched.
func (r *Resolver) UpdateFile(ctx context.Context, q Query, exact string) (*models.ArtifactWithRelease, error) {
	if exact == "" {
		q.Count = 1
		q.InstalledVersion = ""
		q.RuntimeVersion = ""
		artifacts, err := r.Resolve(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(artifacts) == 0 {
			return nil, nil
		}
		return &artifacts[0], nil
	}

	if _, err := version.ParseLoose(exact); err != nil {
		return nil, &ValidationError{Message: invalidVersionMessage}
	}

	q = r.Normalize(q)
	a, err := r.store.FindArtifactByVersion(ctx, exact, q.Branch, filterFor(q))
	if err != nil {
		return nil, fmt.Errorf("resolving %s-%s: %w", q.Branch, exact, err)
	}
	return a, nil
}

// Package renders an artifact for clients. The changes object is present
// only when the release has changelog entries.
func Package(a models.ArtifactWithRelease) models.UpdatePackage {
	var changes *models.UpdateChanges
	if !a.Release.Changelog.Empty() {
		changes = &models.UpdateChanges{
			New:   nonNil(a.Release.Changelog.New),
			Fixed: nonNil(a.Release.Changelog.Fixed),
		}
	}
	return models.UpdatePackage{
		Version:     a.Release.Version,
		ReleaseDate: a.Release.ReleaseDate,
		Filename:    a.Filename,
		URL:         a.DownloadURL,
		Changes:     changes,
		Hash:        a.ContentHash,
		Branch:      strings.ToLower(a.Release.Branch),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
