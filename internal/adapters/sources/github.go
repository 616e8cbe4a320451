package sources

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Servarr/ServarrAPI.Update/internal/adapters/storage"
	"github.com/Servarr/ServarrAPI.Update/internal/adapters/upstream"
	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
	"github.com/Servarr/ServarrAPI.Update/internal/core/version"
)

const (
	// DefaultGitHubAPI is the public GitHub REST endpoint.
	DefaultGitHubAPI = "https://api.github.com"

	githubWindow   = 3
	githubMaxPages = 10
)

var (
	githubNew   = regexp.MustCompile(`(?m)\*\s+[0-9a-f]{40}\s+(?:New:|\(?feat\)?.*:)\s*(?P<text>.*?)\r*$`)
	githubFixed = regexp.MustCompile(`(?m)\*\s+[0-9a-f]{40}\s+(?:Fix(?:ed)?:|\(?fix\)?.*:)\s*(?P<text>.*?)\r*$`)
)

// GitHubConfig locates the repository whose releases are ingested.
type GitHubConfig struct {
	APIURL string
	Owner  string
	Repo   string
	// Project prefixes asset names; "<Project>.master" marks a master build.
	Project     string
	Parallelism int
}

type githubRelease struct {
	ID          int64         `json:"id"`
	TagName     string        `json:"tag_name"`
	Body        string        `json:"body"`
	Draft       bool          `json:"draft"`
	PublishedAt *time.Time    `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// GitHub ingests tagged GitHub releases.
type GitHub struct {
	cfg    GitHubConfig
	client *upstream.Client
	assets assetHasher
	logger zerolog.Logger
}

// NewGitHub creates the GitHub release source.
func NewGitHub(cfg GitHubConfig, client *upstream.Client, downloads *storage.Downloads, logger zerolog.Logger) *GitHub {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultGitHubAPI
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	logger = logger.With().Str("source", string(models.SourceGitHub)).Logger()
	return &GitHub{
		cfg:    cfg,
		client: client,
		assets: newAssetHasher(client, downloads, cfg.Parallelism, logger),
		logger: logger,
	}
}

func (g *GitHub) Kind() models.SourceKind {
	return models.SourceGitHub
}

// FetchNew considers the newest published version tags and returns those
// above the watermark, oldest first. The watermark is a GitHub release id.
func (g *GitHub) FetchNew(ctx context.Context, req services.FetchRequest) (services.FetchResult, error) {
	result := services.FetchResult{Watermark: req.Watermark}

	releases, err := g.recent(ctx)
	if err != nil {
		return result, err
	}

	for i := len(releases) - 1; i >= 0; i-- {
		rel := releases[i]
		if rel.ID <= req.Watermark {
			continue
		}
		bundles, err := g.process(ctx, req, rel)
		if err != nil {
			return result, fmt.Errorf("release %s: %w", rel.TagName, err)
		}
		result.Bundles = append(result.Bundles, bundles...)
		if rel.ID > result.Watermark {
			result.Watermark = rel.ID
		}
	}
	return result, nil
}

// recent pages through the release list, newest first, until the window of
// valid releases is full.
func (g *GitHub) recent(ctx context.Context) ([]githubRelease, error) {
	next := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=30",
		g.cfg.APIURL, url.PathEscape(g.cfg.Owner), url.PathEscape(g.cfg.Repo))

	var out []githubRelease
	for page := 0; next != "" && page < githubMaxPages; page++ {
		var batch []githubRelease
		header, err := g.client.GetJSON(ctx, next, &batch)
		if err != nil {
			return nil, fmt.Errorf("listing releases: %w", err)
		}
		for _, rel := range batch {
			if !usableRelease(rel) {
				continue
			}
			out = append(out, rel)
			if len(out) == githubWindow {
				return out, nil
			}
		}
		next = parseLinkNext(header.Get("Link"))
	}
	return out, nil
}

func usableRelease(rel githubRelease) bool {
	if rel.Draft || rel.PublishedAt == nil {
		return false
	}
	if !strings.HasPrefix(rel.TagName, "v") {
		return false
	}
	return version.Valid(rel.TagName[1:])
}

func (g *GitHub) process(ctx context.Context, req services.FetchRequest, rel githubRelease) ([]models.Bundle, error) {
	ver := rel.TagName[1:]
	branch := g.branchOf(rel)

	// Master builds are offered to develop users too.
	targets := []string{branch}
	if branch == "master" {
		targets = append(targets, "develop")
	}
	targets, err := missing(ctx, req, ver, targets...)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		g.logger.Debug().Str("version", ver).Msg("release already stored")
		return nil, nil
	}

	refs := make([]assetRef, 0, len(rel.Assets))
	for _, a := range rel.Assets {
		refs = append(refs, assetRef{Name: a.Name, URL: a.BrowserDownloadURL})
	}
	artifacts, err := g.assets.artifacts(ctx, branch, refs)
	if err != nil {
		return nil, err
	}

	release := models.Release{
		Version:     ver,
		ReleaseDate: rel.PublishedAt.UTC(),
	}
	release.MergeChangelog(matchAll(githubNew, rel.Body), matchAll(githubFixed, rel.Body))

	return bundlesFor(release, artifacts, targets), nil
}

func (g *GitHub) branchOf(rel githubRelease) string {
	prefix := strings.ToLower(g.cfg.Project + ".master")
	for _, a := range rel.Assets {
		if strings.HasPrefix(strings.ToLower(a.Name), prefix) {
			return "master"
		}
	}
	return "develop"
}

// parseLinkNext extracts the rel="next" URL from a Link header, or "".
//
// Format: <https://api.github.com/...?page=2>; rel="next", <...>; rel="last"
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.SplitN(strings.TrimSpace(part), ";", 2)
		if len(segments) != 2 {
			continue
		}
		link := strings.TrimSpace(segments[0])
		if !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		if strings.HasPrefix(link, "<") && strings.HasSuffix(link, ">") {
			return link[1 : len(link)-1]
		}
	}
	return ""
}
