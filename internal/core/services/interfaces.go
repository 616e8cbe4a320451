package services

import (
	"context"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
)

// ArtifactFilter selects artifacts for update resolution. Nil pointer
// fields do not constrain the query.
type ArtifactFilter struct {
	Branch             string
	OS                 models.OperatingSystem
	Runtime            *models.Runtime
	Architecture       *models.Architecture
	Installer          bool
	MaxSortableVersion *int64
	Limit              int
}

// ReleaseStore persists releases and artifacts.
type ReleaseStore interface {
	// FindRelease returns the release with the given version on branch, or
	// nil if there is none.
	FindRelease(ctx context.Context, version, branch string) (*models.Release, error)

	// InsertRelease stores a release and returns its ID.
	InsertRelease(ctx context.Context, release *models.Release) (int64, error)

	// FindArtifact returns the artifact of a release for one platform, or nil.
	FindArtifact(ctx context.Context, releaseID int64, os models.OperatingSystem, runtime models.Runtime, arch models.Architecture, installer bool) (*models.Artifact, error)

	// InsertArtifact stores an artifact and returns its ID.
	InsertArtifact(ctx context.Context, artifact *models.Artifact) (int64, error)

	// QueryArtifacts returns matching artifacts joined with their release,
	// newest sortable version first.
	QueryArtifacts(ctx context.Context, filter ArtifactFilter) ([]models.ArtifactWithRelease, error)

	// FindArtifactByVersion resolves one exact release version on a branch.
	FindArtifactByVersion(ctx context.Context, version, branch string, filter ArtifactFilter) (*models.ArtifactWithRelease, error)
}

// WatermarkStore persists the last upstream id processed per source.
type WatermarkStore interface {
	LoadWatermarks(ctx context.Context) (map[models.SourceKind]int64, error)
	SaveWatermark(ctx context.Context, kind models.SourceKind, watermark int64) error
}

// NotificationStore holds client notifications.
type NotificationStore interface {
	ListNotifications(ctx context.Context) ([]models.Notification, error)
	InsertNotification(ctx context.Context, n *models.Notification) (int64, error)
	DeleteNotification(ctx context.Context, id int64) error
}

// FetchRequest is handed to a release source for one ingestion run.
type FetchRequest struct {
	// Watermark is the last upstream id already processed; zero means none.
	Watermark int64

	// Exists reports whether a release is already persisted, letting a
	// source skip download and hashing work. May be nil.
	Exists func(ctx context.Context, version, branch string) (bool, error)
}

// FetchResult is the normalized output of a release source.
type FetchResult struct {
	// Bundles are ordered oldest first.
	Bundles []models.Bundle

	// Watermark covers every upstream item represented in Bundles.
	Watermark int64
}

// ReleaseSource fetches new releases from one upstream provider. On error
// the result still carries the bundles completed before the failure.
type ReleaseSource interface {
	Kind() models.SourceKind
	FetchNew(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// Trigger is notified after an ingestion run changed branches.
type Trigger interface {
	// Name identifies the trigger in results and logs.
	Name() string

	// Fire notifies the target about the changed branches.
	Fire(ctx context.Context, branches []string) error
}

// Authenticator validates the shared api key.
type Authenticator interface {
	// ValidateToken checks if a token is valid.
	ValidateToken(token string) bool
}
