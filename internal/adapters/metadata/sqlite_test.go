package metadata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
	"github.com/Servarr/ServarrAPI.Update/internal/core/version"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func insertRelease(t *testing.T, store *SQLiteStore, v, branch string) *models.Release {
	t.Helper()
	sortable, err := version.Encode(v)
	if err != nil {
		t.Fatalf("Encode(%q): %v", v, err)
	}
	r := &models.Release{
		Version:         v,
		SortableVersion: sortable,
		ReleaseDate:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Branch:          branch,
	}
	if _, err := store.InsertRelease(context.Background(), r); err != nil {
		t.Fatalf("InsertRelease: %v", err)
	}
	return r
}

func insertArtifact(t *testing.T, store *SQLiteStore, releaseID int64, os models.OperatingSystem, rt models.Runtime, arch models.Architecture, installer bool) *models.Artifact {
	t.Helper()
	a := &models.Artifact{
		ReleaseID:       releaseID,
		OperatingSystem: os,
		Runtime:         rt,
		Architecture:    arch,
		IsInstaller:     installer,
		Filename:        string(os) + "-" + string(arch) + ".tar.gz",
		DownloadURL:     "https://example.com/" + string(os),
		ContentHash:     "abc123",
	}
	if _, err := store.InsertArtifact(context.Background(), a); err != nil {
		t.Fatalf("InsertArtifact: %v", err)
	}
	return a
}

func TestInsertAndFindRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := &models.Release{
		Version:         "3.0.0.100",
		SortableVersion: 30_000_000_100,
		ReleaseDate:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Branch:          "develop",
		Changelog:       models.Changelog{New: []string{"Feature A"}, Fixed: []string{"Bug B"}},
	}
	id, err := store.InsertRelease(ctx, r)
	if err != nil {
		t.Fatalf("InsertRelease: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	got, err := store.FindRelease(ctx, "3.0.0.100", "develop")
	if err != nil {
		t.Fatalf("FindRelease: %v", err)
	}
	if got == nil {
		t.Fatal("expected release, got nil")
	}
	if got.SortableVersion != r.SortableVersion {
		t.Errorf("sortable = %d, want %d", got.SortableVersion, r.SortableVersion)
	}
	if !got.ReleaseDate.Equal(r.ReleaseDate) {
		t.Errorf("release date = %v, want %v", got.ReleaseDate, r.ReleaseDate)
	}
	if len(got.Changelog.New) != 1 || got.Changelog.New[0] != "Feature A" {
		t.Errorf("new = %v", got.Changelog.New)
	}
	if len(got.Changelog.Fixed) != 1 || got.Changelog.Fixed[0] != "Bug B" {
		t.Errorf("fixed = %v", got.Changelog.Fixed)
	}
}

func TestFindReleaseNotFound(t *testing.T) {
	store := newTestStore(t)

	got, err := store.FindRelease(context.Background(), "1.0.0.0", "master")
	if err != nil {
		t.Fatalf("FindRelease: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing release")
	}
}

func TestInsertReleaseConflict(t *testing.T) {
	store := newTestStore(t)
	insertRelease(t, store, "1.0.0.0", "master")

	_, err := store.InsertRelease(context.Background(), &models.Release{
		Version: "1.0.0.0", SortableVersion: 10_000_000_000, Branch: "master", ReleaseDate: time.Now(),
	})
	if !errors.Is(err, services.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestSameVersionDifferentBranches(t *testing.T) {
	store := newTestStore(t)
	insertRelease(t, store, "1.0.0.0", "master")
	insertRelease(t, store, "1.0.0.0", "develop")

	n, err := store.CountReleases(context.Background())
	if err != nil {
		t.Fatalf("CountReleases: %v", err)
	}
	if n != 2 {
		t.Errorf("releases = %d, want 2", n)
	}
}

func TestReleaseBranchCaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := insertRelease(t, store, "1.0.0.1", "Feature-X")
	if r.Branch != "feature-x" {
		t.Errorf("branch = %q, want it lowercased", r.Branch)
	}

	for _, branch := range []string{"feature-x", "FEATURE-X", "Feature-X"} {
		got, err := store.FindRelease(ctx, "1.0.0.1", branch)
		if err != nil {
			t.Fatalf("FindRelease(%q): %v", branch, err)
		}
		if got == nil || got.ID != r.ID {
			t.Errorf("FindRelease(%q) = %+v", branch, got)
		}
	}

	_, err := store.InsertRelease(ctx, &models.Release{
		Version: "1.0.0.1", SortableVersion: r.SortableVersion, Branch: "feature-x", ReleaseDate: time.Now(),
	})
	if !errors.Is(err, services.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestArtifactInstallerDistinct(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := insertRelease(t, store, "1.0.0.0", "master")

	insertArtifact(t, store, r.ID, models.OSWindows, models.RuntimeNativeCompiled, models.ArchX64, false)
	insertArtifact(t, store, r.ID, models.OSWindows, models.RuntimeNativeCompiled, models.ArchX64, true)

	_, err := store.InsertArtifact(ctx, &models.Artifact{
		ReleaseID: r.ID, OperatingSystem: models.OSWindows, Runtime: models.RuntimeNativeCompiled,
		Architecture: models.ArchX64, Filename: "dup.zip", DownloadURL: "u", ContentHash: "h",
	})
	if !errors.Is(err, services.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	found, err := store.FindArtifact(ctx, r.ID, models.OSWindows, models.RuntimeNativeCompiled, models.ArchX64, true)
	if err != nil {
		t.Fatalf("FindArtifact: %v", err)
	}
	if found == nil || !found.IsInstaller {
		t.Fatalf("expected installer artifact, got %+v", found)
	}

	missing, err := store.FindArtifact(ctx, r.ID, models.OSLinux, models.RuntimeNativeCompiled, models.ArchX64, false)
	if err != nil {
		t.Fatalf("FindArtifact: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing artifact")
	}
}

func TestQueryArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"3.0.0.100", "3.0.1.200", "3.0.2.300"} {
		r := insertRelease(t, store, v, "develop")
		insertArtifact(t, store, r.ID, models.OSLinux, models.RuntimeNativeCompiled, models.ArchX64, false)
		insertArtifact(t, store, r.ID, models.OSLinux, models.RuntimeNativeCompiled, models.ArchArm64, false)
	}
	other := insertRelease(t, store, "4.0.0.0", "master")
	insertArtifact(t, store, other.ID, models.OSLinux, models.RuntimeNativeCompiled, models.ArchX64, false)

	rt := models.RuntimeNativeCompiled
	arch := models.ArchX64
	ceiling := int64(30_001_000_200)

	tests := []struct {
		name   string
		filter services.ArtifactFilter
		want   []string
	}{
		{
			name:   "latest",
			filter: services.ArtifactFilter{Branch: "develop", OS: models.OSLinux, Runtime: &rt, Architecture: &arch, Limit: 1},
			want:   []string{"3.0.2.300"},
		},
		{
			name:   "ordered",
			filter: services.ArtifactFilter{Branch: "develop", OS: models.OSLinux, Runtime: &rt, Architecture: &arch, Limit: 5},
			want:   []string{"3.0.2.300", "3.0.1.200", "3.0.0.100"},
		},
		{
			name:   "ceiling",
			filter: services.ArtifactFilter{Branch: "develop", OS: models.OSLinux, Runtime: &rt, Architecture: &arch, MaxSortableVersion: &ceiling, Limit: 5},
			want:   []string{"3.0.1.200", "3.0.0.100"},
		},
		{
			name:   "branch case-insensitive",
			filter: services.ArtifactFilter{Branch: "MASTER", OS: models.OSLinux, Limit: 5},
			want:   []string{"4.0.0.0"},
		},
		{
			name:   "installer filtered",
			filter: services.ArtifactFilter{Branch: "develop", OS: models.OSLinux, Installer: true, Limit: 5},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.QueryArtifacts(ctx, tt.filter)
			if err != nil {
				t.Fatalf("QueryArtifacts: %v", err)
			}
			var versions []string
			for _, a := range got {
				versions = append(versions, a.Release.Version)
			}
			if len(versions) != len(tt.want) {
				t.Fatalf("versions = %v, want %v", versions, tt.want)
			}
			for i := range versions {
				if versions[i] != tt.want[i] {
					t.Errorf("versions[%d] = %s, want %s", i, versions[i], tt.want[i])
				}
			}
		})
	}
}

func TestFindArtifactByVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := insertRelease(t, store, "3.0.1.200", "develop")
	insertArtifact(t, store, r.ID, models.OSLinux, models.RuntimeNativeCompiled, models.ArchX64, false)
	insertRelease(t, store, "3.0.2.300", "develop")

	got, err := store.FindArtifactByVersion(ctx, "3.0.1.200", "develop", services.ArtifactFilter{OS: models.OSLinux})
	if err != nil {
		t.Fatalf("FindArtifactByVersion: %v", err)
	}
	if got == nil || got.Release.Version != "3.0.1.200" {
		t.Fatalf("got %+v", got)
	}

	got, err = store.FindArtifactByVersion(ctx, "3.0.2.300", "develop", services.ArtifactFilter{OS: models.OSLinux})
	if err != nil {
		t.Fatalf("FindArtifactByVersion: %v", err)
	}
	if got != nil {
		t.Error("expected nil for release without artifacts")
	}
}

func TestWatermarks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveWatermark(ctx, models.SourceAzure, 100); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}
	if err := store.SaveWatermark(ctx, models.SourceAzure, 250); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}
	if err := store.SaveWatermark(ctx, models.SourceAppVeyor, 7); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}

	marks, err := store.LoadWatermarks(ctx)
	if err != nil {
		t.Fatalf("LoadWatermarks: %v", err)
	}
	if marks[models.SourceAzure] != 250 {
		t.Errorf("azure = %d, want 250", marks[models.SourceAzure])
	}
	if marks[models.SourceAppVeyor] != 7 {
		t.Errorf("appveyor = %d, want 7", marks[models.SourceAppVeyor])
	}
	if _, ok := marks[models.SourceGitHub]; ok {
		t.Error("github watermark should be unset")
	}
}

func TestNotifications(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n := &models.Notification{
		Type:             models.NotificationWarning,
		Message:          "Mono is deprecated",
		WikiURL:          "https://wiki.example.com/mono",
		Runtimes:         []models.Runtime{models.RuntimeLegacyManaged},
		OperatingSystems: []models.OperatingSystem{models.OSLinux},
	}
	id, err := store.InsertNotification(ctx, n)
	if err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}

	list, err := store.ListNotifications(ctx)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(list))
	}
	got := list[0]
	if got.Message != n.Message || got.Type != n.Type || got.WikiURL != n.WikiURL {
		t.Errorf("got %+v", got)
	}
	if len(got.Runtimes) != 1 || got.Runtimes[0] != models.RuntimeLegacyManaged {
		t.Errorf("runtimes = %v", got.Runtimes)
	}
	if len(got.Branches) != 0 {
		t.Errorf("branches = %v, want empty", got.Branches)
	}

	if err := store.DeleteNotification(ctx, id); err != nil {
		t.Fatalf("DeleteNotification: %v", err)
	}
	if err := store.DeleteNotification(ctx, id); !errors.Is(err, services.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDatabaseFileCreated(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(dir, "updates.db")); os.IsNotExist(err) {
		t.Error("expected updates.db to exist")
	}
}

func TestCompressedColumnsRoundTrip(t *testing.T) {
	blob, err := compressJSON([]string{"one", "two"})
	if err != nil {
		t.Fatalf("compressJSON: %v", err)
	}
	var lines []string
	if err := decompressJSON(blob, &lines); err != nil {
		t.Fatalf("decompressJSON: %v", err)
	}
	if len(lines) != 2 || lines[1] != "two" {
		t.Errorf("lines = %v", lines)
	}

	var empty []string
	if err := decompressJSON(nil, &empty); err != nil || empty != nil {
		t.Errorf("nil blob: %v %v", empty, err)
	}
}
