// Package servicestest provides in-memory implementations of the service
// contracts for tests.
package servicestest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
)

// Store is an in-memory ReleaseStore and WatermarkStore.
type Store struct {
	mu         sync.Mutex
	nextID     int64
	releases   []models.Release
	artifacts  []models.Artifact
	watermarks map[models.SourceKind]int64

	// Err, when set, is returned by every method.
	Err error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{watermarks: make(map[models.SourceKind]int64)}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) FindRelease(_ context.Context, version, branch string) (*models.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, r := range s.releases {
		if r.Version == version && strings.EqualFold(r.Branch, branch) {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (s *Store) InsertRelease(_ context.Context, release *models.Release) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	for _, r := range s.releases {
		if r.Version == release.Version && strings.EqualFold(r.Branch, release.Branch) {
			return 0, fmt.Errorf("%w: release %s on %s already exists", services.ErrConflict, release.Version, release.Branch)
		}
	}
	release.Branch = strings.ToLower(release.Branch)
	release.ID = s.id()
	s.releases = append(s.releases, *release)
	return release.ID, nil
}

func (s *Store) FindArtifact(_ context.Context, releaseID int64, os models.OperatingSystem, runtime models.Runtime, arch models.Architecture, installer bool) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, a := range s.artifacts {
		if a.ReleaseID == releaseID && a.OperatingSystem == os && a.Runtime == runtime && a.Architecture == arch && a.IsInstaller == installer {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (s *Store) InsertArtifact(ctx context.Context, artifact *models.Artifact) (int64, error) {
	existing, err := s.FindArtifact(ctx, artifact.ReleaseID, artifact.OperatingSystem, artifact.Runtime, artifact.Architecture, artifact.IsInstaller)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, fmt.Errorf("%w: artifact %s already exists", services.ErrConflict, artifact.Filename)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	artifact.ID = s.id()
	s.artifacts = append(s.artifacts, *artifact)
	return artifact.ID, nil
}

func (s *Store) matching(f services.ArtifactFilter) []models.ArtifactWithRelease {
	byID := make(map[int64]models.Release, len(s.releases))
	for _, r := range s.releases {
		byID[r.ID] = r
	}

	var out []models.ArtifactWithRelease
	for _, a := range s.artifacts {
		r := byID[a.ReleaseID]
		switch {
		case !strings.EqualFold(r.Branch, f.Branch),
			a.OperatingSystem != f.OS,
			a.IsInstaller != f.Installer,
			f.Runtime != nil && a.Runtime != *f.Runtime,
			f.Architecture != nil && a.Architecture != *f.Architecture,
			f.MaxSortableVersion != nil && r.SortableVersion > *f.MaxSortableVersion:
			continue
		}
		out = append(out, models.ArtifactWithRelease{Artifact: a, Release: r})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Release.SortableVersion != out[j].Release.SortableVersion {
			return out[i].Release.SortableVersion > out[j].Release.SortableVersion
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Store) QueryArtifacts(_ context.Context, filter services.ArtifactFilter) ([]models.ArtifactWithRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := s.matching(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 1
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindArtifactByVersion(_ context.Context, version, branch string, filter services.ArtifactFilter) (*models.ArtifactWithRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	filter.Branch = branch
	for _, a := range s.matching(filter) {
		if a.Release.Version == version {
			return &a, nil
		}
	}
	return nil, nil
}

func (s *Store) LoadWatermarks(context.Context) (map[models.SourceKind]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[models.SourceKind]int64, len(s.watermarks))
	for k, v := range s.watermarks {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SaveWatermark(_ context.Context, kind models.SourceKind, watermark int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.watermarks[kind] = watermark
	return nil
}

// Counts returns the number of stored releases and artifacts.
func (s *Store) Counts() (releases, artifacts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases), len(s.artifacts)
}
