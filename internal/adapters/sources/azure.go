package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Servarr/ServarrAPI.Update/internal/adapters/storage"
	"github.com/Servarr/ServarrAPI.Update/internal/adapters/upstream"
	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
)

const (
	azureAPIVersion    = "5.1"
	azurePackages      = "Packages"
	azureNightlyTop    = 5
	azureBranchTop     = 10
	defaultNightlyRef  = "refs/heads/develop"
	azureNightlyBranch = "nightly"
)

var (
	azureNew   = regexp.MustCompile(`^New:\s*(?P<text>.*?)\r*$`)
	azureFixed = regexp.MustCompile(`^Fixed:\s*(?P<text>.*?)\r*$`)
	pullRef    = regexp.MustCompile(`^refs/pull/(\d+)/`)
)

// AzureConfig locates the Azure DevOps pipeline that produces builds.
type AzureConfig struct {
	// BaseURL is the organization URL, e.g. https://dev.azure.com/Servarr.
	BaseURL     string
	Project     string
	Definitions []int
	// NightlyRef is the ref whose CI builds form the nightly channel.
	NightlyRef string

	// Pull request builds are mapped to their head branch through GitHub.
	GitHubAPIURL string
	GitHubOwner  string
	GitHubRepo   string

	Parallelism int
}

type azureBuild struct {
	ID           int64     `json:"id"`
	BuildNumber  string    `json:"buildNumber"`
	SourceBranch string    `json:"sourceBranch"`
	StartTime    time.Time `json:"startTime"`
}

type azureList[T any] struct {
	Value []T `json:"value"`
}

type azureChange struct {
	Message string `json:"message"`
}

type azureArtifact struct {
	Name     string `json:"name"`
	Resource struct {
		Data        string `json:"data"`
		DownloadURL string `json:"downloadUrl"`
	} `json:"resource"`
}

type azureManifest struct {
	Items []struct {
		Path string `json:"path"`
		Blob struct {
			ID string `json:"id"`
		} `json:"blob"`
	} `json:"items"`
}

type githubPull struct {
	Head struct {
		Ref  string `json:"ref"`
		Repo *struct {
			Fork bool `json:"fork"`
		} `json:"repo"`
	} `json:"head"`
}

// Azure ingests Azure DevOps pipeline builds.
type Azure struct {
	cfg    AzureConfig
	client *upstream.Client
	github *upstream.Client
	assets assetHasher
	logger zerolog.Logger
}

// NewAzure creates the Azure DevOps source. github resolves pull request
// branches and may be the same client as client.
func NewAzure(cfg AzureConfig, client, github *upstream.Client, downloads *storage.Downloads, logger zerolog.Logger) *Azure {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.Definitions) == 0 {
		cfg.Definitions = []int{1}
	}
	if cfg.NightlyRef == "" {
		cfg.NightlyRef = defaultNightlyRef
	}
	if cfg.GitHubAPIURL == "" {
		cfg.GitHubAPIURL = DefaultGitHubAPI
	}
	cfg.GitHubAPIURL = strings.TrimRight(cfg.GitHubAPIURL, "/")
	if github == nil {
		github = client
	}
	logger = logger.With().Str("source", string(models.SourceAzure)).Logger()
	return &Azure{
		cfg:    cfg,
		client: client,
		github: github,
		assets: newAssetHasher(client, downloads, cfg.Parallelism, logger),
		logger: logger,
	}
}

func (a *Azure) Kind() models.SourceKind {
	return models.SourceAzure
}

// FetchNew scans nightly and branch build history newest first down to the
// watermark, then processes the new builds oldest first. The watermark is
// an Azure build id.
func (a *Azure) FetchNew(ctx context.Context, req services.FetchRequest) (services.FetchResult, error) {
	result := services.FetchResult{Watermark: req.Watermark}

	builds, err := a.history(ctx)
	if err != nil {
		return result, err
	}

	var pending []azureBuild
	for _, b := range builds {
		if b.ID <= req.Watermark {
			break
		}
		pending = append(pending, b)
	}

	for i := len(pending) - 1; i >= 0; i-- {
		b := pending[i]
		bundle, err := a.process(ctx, req, b)
		if err != nil {
			return result, fmt.Errorf("build %s: %w", b.BuildNumber, err)
		}
		if bundle != nil {
			result.Bundles = append(result.Bundles, *bundle)
		}
		result.Watermark = b.ID
	}
	return result, nil
}

// history merges nightly and branch builds, de-duplicated, newest first.
func (a *Azure) history(ctx context.Context) ([]azureBuild, error) {
	nightly := url.Values{}
	nightly.Set("branchName", a.cfg.NightlyRef)
	nightly.Set("reasonFilter", "individualCI,manual")
	nightly.Set("$top", strconv.Itoa(azureNightlyTop))

	branches := url.Values{}
	branches.Set("reasonFilter", "pullRequest,manual,individualCI")
	branches.Set("$top", strconv.Itoa(azureBranchTop))

	seen := make(map[int64]struct{})
	var out []azureBuild
	for _, q := range []url.Values{nightly, branches} {
		q.Set("definitions", joinInts(a.cfg.Definitions))
		q.Set("statusFilter", "completed")
		q.Set("resultFilter", "succeeded")
		q.Set("queryOrder", "startTimeDescending")
		q.Set("api-version", azureAPIVersion)

		var list azureList[azureBuild]
		if _, err := a.client.GetJSON(ctx, a.projectURL("builds")+"?"+q.Encode(), &list); err != nil {
			return nil, fmt.Errorf("listing builds: %w", err)
		}
		for _, b := range list.Value {
			if _, dup := seen[b.ID]; dup {
				continue
			}
			seen[b.ID] = struct{}{}
			out = append(out, b)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// process turns one build into a bundle. A nil bundle means the build is
// not published.
func (a *Azure) process(ctx context.Context, req services.FetchRequest, b azureBuild) (*models.Bundle, error) {
	log := a.logger.With().Int64("build", b.ID).Str("version", b.BuildNumber).Logger()

	branch, err := a.branchOf(ctx, b.SourceBranch)
	if err != nil {
		return nil, err
	}
	switch branch {
	case "":
		log.Debug().Str("ref", b.SourceBranch).Msg("skipping build from unsupported ref")
		return nil, nil
	case "nightly", "master":
		log.Debug().Str("branch", branch).Msg("skipping build from reserved branch")
		return nil, nil
	case "develop":
		branch = azureNightlyBranch
	}

	targets, err := missing(ctx, req, b.BuildNumber, branch)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}

	var changes azureList[azureChange]
	if _, err := a.client.GetJSON(ctx, a.buildURL(b.ID, "changes"), &changes); err != nil {
		return nil, fmt.Errorf("listing changes: %w", err)
	}
	var added, fixed []string
	for _, c := range changes.Value {
		added = append(added, matchAll(azureNew, c.Message)...)
		fixed = append(fixed, matchAll(azureFixed, c.Message)...)
	}

	refs, err := a.packageFiles(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if refs == nil {
		log.Debug().Msg("build has no packages artifact")
		return nil, nil
	}

	artifacts, err := a.assets.artifacts(ctx, branch, refs)
	if err != nil {
		return nil, err
	}

	release := models.Release{
		Version:     b.BuildNumber,
		ReleaseDate: b.StartTime.UTC(),
		Branch:      branch,
	}
	release.MergeChangelog(added, fixed)
	return &models.Bundle{Release: release, Artifacts: artifacts}, nil
}

// branchOf maps a source ref to a branch name. Unsupported refs and pull
// requests from forks yield "".
func (a *Azure) branchOf(ctx context.Context, ref string) (string, error) {
	if name, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return name, nil
	}

	m := pullRef.FindStringSubmatch(ref)
	if m == nil || a.cfg.GitHubOwner == "" {
		return "", nil
	}

	var pr githubPull
	prURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%s", a.cfg.GitHubAPIURL,
		url.PathEscape(a.cfg.GitHubOwner), url.PathEscape(a.cfg.GitHubRepo), m[1])
	if _, err := a.github.GetJSON(ctx, prURL, &pr); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("resolving pull request %s: %w", m[1], err)
	}
	if pr.Head.Repo == nil || pr.Head.Repo.Fork {
		return "", nil
	}
	return pr.Head.Ref, nil
}

// packageFiles lists the files of the build's Packages artifact, or nil
// when the build published none.
func (a *Azure) packageFiles(ctx context.Context, buildID int64) ([]assetRef, error) {
	var list azureList[azureArtifact]
	if _, err := a.client.GetJSON(ctx, a.buildURL(buildID, "artifacts"), &list); err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	var pkg *azureArtifact
	for i := range list.Value {
		if list.Value[i].Name == azurePackages {
			pkg = &list.Value[i]
			break
		}
	}
	if pkg == nil {
		return nil, nil
	}

	var manifest azureManifest
	if _, err := a.client.GetJSON(ctx, a.fileURL(buildID, pkg.Resource.Data, "manifest"), &manifest); err != nil {
		return nil, fmt.Errorf("reading packages manifest: %w", err)
	}

	refs := make([]assetRef, 0, len(manifest.Items))
	for _, item := range manifest.Items {
		name := path.Base(item.Path)
		refs = append(refs, assetRef{Name: name, URL: a.fileURL(buildID, item.Blob.ID, name)})
	}
	return refs, nil
}

func (a *Azure) projectURL(resource string) string {
	return fmt.Sprintf("%s/%s/_apis/build/%s", a.cfg.BaseURL, url.PathEscape(a.cfg.Project), resource)
}

func (a *Azure) buildURL(buildID int64, resource string) string {
	return fmt.Sprintf("%s/%d/%s?api-version=%s", a.projectURL("builds"), buildID, resource, azureAPIVersion)
}

// fileURL addresses one file inside the Packages artifact.
func (a *Azure) fileURL(buildID int64, fileID, fileName string) string {
	q := url.Values{}
	q.Set("artifactName", azurePackages)
	q.Set("fileId", fileID)
	q.Set("fileName", fileName)
	q.Set("api-version", azureAPIVersion)
	return fmt.Sprintf("%s/%d/artifacts?%s", a.projectURL("builds"), buildID, q.Encode())
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
