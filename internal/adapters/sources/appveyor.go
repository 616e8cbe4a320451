package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Servarr/ServarrAPI.Update/internal/adapters/storage"
	"github.com/Servarr/ServarrAPI.Update/internal/adapters/upstream"
	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
)

const (
	// DefaultAppVeyorAPI is the hosted AppVeyor endpoint.
	DefaultAppVeyorAPI = "https://ci.appveyor.com"

	appveyorRecords = 10
	appveyorWindow  = 5
)

// AppVeyorConfig locates the AppVeyor project and branch to ingest.
type AppVeyorConfig struct {
	APIURL      string
	Account     string
	Slug        string
	Branch      string
	Parallelism int
}

type appveyorHistory struct {
	Builds []appveyorBuild `json:"builds"`
}

type appveyorBuild struct {
	BuildID         int64         `json:"buildId"`
	Version         string        `json:"version"`
	Status          string        `json:"status"`
	Message         string        `json:"message"`
	MessageExtended string        `json:"messageExtended"`
	PullRequestID   string        `json:"pullRequestId"`
	IsTag           bool          `json:"isTag"`
	Started         *time.Time    `json:"started"`
	Jobs            []appveyorJob `json:"jobs"`
}

type appveyorJob struct {
	JobID          string `json:"jobId"`
	ArtifactsCount int    `json:"artifactsCount"`
}

type appveyorArtifact struct {
	FileName string `json:"fileName"`
}

// AppVeyor ingests successful builds of one branch of a legacy CI project.
type AppVeyor struct {
	cfg    AppVeyorConfig
	client *upstream.Client
	assets assetHasher
	logger zerolog.Logger
}

// NewAppVeyor creates the AppVeyor source.
func NewAppVeyor(cfg AppVeyorConfig, client *upstream.Client, downloads *storage.Downloads, logger zerolog.Logger) *AppVeyor {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAppVeyorAPI
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Branch == "" {
		cfg.Branch = "develop"
	}
	logger = logger.With().Str("source", string(models.SourceAppVeyor)).Logger()
	return &AppVeyor{
		cfg:    cfg,
		client: client,
		assets: newAssetHasher(client, downloads, cfg.Parallelism, logger),
		logger: logger,
	}
}

func (v *AppVeyor) Kind() models.SourceKind {
	return models.SourceAppVeyor
}

// FetchNew returns the recent successful builds above the watermark, oldest
// first. The watermark is an AppVeyor build id.
func (v *AppVeyor) FetchNew(ctx context.Context, req services.FetchRequest) (services.FetchResult, error) {
	result := services.FetchResult{Watermark: req.Watermark}

	q := url.Values{}
	q.Set("recordsNumber", fmt.Sprint(appveyorRecords))
	q.Set("branch", v.cfg.Branch)

	var history appveyorHistory
	if _, err := v.client.GetJSON(ctx, v.projectURL("history")+"?"+q.Encode(), &history); err != nil {
		return result, fmt.Errorf("listing builds: %w", err)
	}

	var pending []appveyorBuild
	for _, b := range history.Builds {
		if !strings.EqualFold(b.Status, "success") {
			continue
		}
		if len(pending) == appveyorWindow || b.BuildID <= req.Watermark {
			break
		}
		pending = append(pending, b)
	}

	for i := len(pending) - 1; i >= 0; i-- {
		b := pending[i]
		bundle, err := v.process(ctx, req, b)
		if err != nil {
			return result, fmt.Errorf("build %s: %w", b.Version, err)
		}
		if bundle != nil {
			result.Bundles = append(result.Bundles, *bundle)
		}
		result.Watermark = b.BuildID
	}
	return result, nil
}

func (v *AppVeyor) process(ctx context.Context, req services.FetchRequest, b appveyorBuild) (*models.Bundle, error) {
	log := v.logger.With().Int64("build", b.BuildID).Str("version", b.Version).Logger()

	if b.PullRequestID != "" || b.IsTag {
		log.Debug().Msg("skipping pull request or tag build")
		return nil, nil
	}

	branch := strings.ToLower(v.cfg.Branch)
	targets, err := missing(ctx, req, b.Version, branch)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}

	var detail struct {
		Build appveyorBuild `json:"build"`
	}
	if _, err := v.client.GetJSON(ctx, v.projectURL("build/"+url.PathEscape(b.Version)), &detail); err != nil {
		return nil, fmt.Errorf("reading build: %w", err)
	}
	if len(detail.Build.Jobs) == 0 || detail.Build.Jobs[0].ArtifactsCount == 0 || detail.Build.Started == nil {
		log.Debug().Msg("build has no artifacts")
		return nil, nil
	}
	job := detail.Build.Jobs[0]

	artifactsPath := fmt.Sprintf("%s/api/buildjobs/%s/artifacts", v.cfg.APIURL, url.PathEscape(job.JobID))
	var files []appveyorArtifact
	if _, err := v.client.GetJSON(ctx, artifactsPath, &files); err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	refs := make([]assetRef, 0, len(files))
	for _, f := range files {
		refs = append(refs, assetRef{Name: f.FileName, URL: artifactsPath + "/" + f.FileName})
	}
	artifacts, err := v.assets.artifacts(ctx, branch, refs)
	if err != nil {
		return nil, err
	}

	added := []string{b.Message}
	if strings.TrimSpace(b.MessageExtended) != "" {
		added = append(added, b.MessageExtended)
	}

	release := models.Release{
		Version:     b.Version,
		ReleaseDate: detail.Build.Started.UTC(),
		Branch:      branch,
	}
	release.MergeChangelog(added, nil)
	return &models.Bundle{Release: release, Artifacts: artifacts}, nil
}

func (v *AppVeyor) projectURL(resource string) string {
	return fmt.Sprintf("%s/api/projects/%s/%s/%s", v.cfg.APIURL,
		url.PathEscape(v.cfg.Account), url.PathEscape(v.cfg.Slug), resource)
}
