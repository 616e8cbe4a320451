// Package sources fetches releases from the upstream providers a project
// publishes builds to and normalizes them into release bundles.
package sources

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Servarr/ServarrAPI.Update/internal/adapters/storage"
	"github.com/Servarr/ServarrAPI.Update/internal/adapters/upstream"
	"github.com/Servarr/ServarrAPI.Update/internal/core/classify"
	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
)

// DefaultParallelism bounds concurrent artifact downloads per release.
const DefaultParallelism = 4

// assetRef is an upstream file that may become an artifact.
type assetRef struct {
	Name string
	URL  string
}

// assetHasher downloads release files into the scratch area and hashes
// them.
type assetHasher struct {
	client      *upstream.Client
	downloads   *storage.Downloads
	parallelism int
	logger      zerolog.Logger
}

func newAssetHasher(client *upstream.Client, downloads *storage.Downloads, parallelism int, logger zerolog.Logger) assetHasher {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return assetHasher{client: client, downloads: downloads, parallelism: parallelism, logger: logger}
}

// artifacts classifies refs, hashes every recognized file and returns the
// artifacts in the order of refs. Unrecognized files are left out.
func (h assetHasher) artifacts(ctx context.Context, branch string, refs []assetRef) ([]models.Artifact, error) {
	results := make([]*models.Artifact, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.parallelism)
	for i, ref := range refs {
		i, ref := i, ref
		c, ok := classify.Classify(ref.Name)
		if !ok {
			h.logger.Debug().Str("file", ref.Name).Msg("ignoring unrecognized asset")
			continue
		}
		g.Go(func() error {
			hash, err := h.hash(gctx, branch, ref)
			if err != nil {
				return err
			}
			results[i] = &models.Artifact{
				OperatingSystem: c.OS,
				Runtime:         c.Runtime,
				Architecture:    c.Architecture,
				IsInstaller:     c.IsInstaller,
				Filename:        ref.Name,
				DownloadURL:     ref.URL,
				ContentHash:     hash,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.Artifact, 0, len(refs))
	for _, a := range results {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (h assetHasher) hash(ctx context.Context, branch string, ref assetRef) (string, error) {
	body, err := h.client.Fetch(ctx, ref.URL)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", ref.Name, err)
	}
	defer body.Close()

	sum, size, err := h.downloads.Hash(branch, ref.Name, body)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", ref.Name, err)
	}
	h.logger.Debug().Str("file", ref.Name).Int64("bytes", size).Msg("artifact hashed")
	return sum, nil
}

// missing returns the branches for which version is not stored yet.
func missing(ctx context.Context, req services.FetchRequest, version string, branches ...string) ([]string, error) {
	if req.Exists == nil {
		return branches, nil
	}
	var out []string
	for _, branch := range branches {
		ok, err := req.Exists(ctx, version, branch)
		if err != nil {
			return nil, fmt.Errorf("checking %s %s: %w", branch, version, err)
		}
		if !ok {
			out = append(out, branch)
		}
	}
	return out, nil
}

// matchAll returns the trimmed "text" group of every match of re in s.
func matchAll(re *regexp.Regexp, s string) []string {
	idx := re.SubexpIndex("text")
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		if text := strings.TrimSpace(m[idx]); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func bundlesFor(release models.Release, artifacts []models.Artifact, branches []string) []models.Bundle {
	out := make([]models.Bundle, 0, len(branches))
	for _, branch := range branches {
		r := release
		r.Branch = branch
		out = append(out, models.Bundle{
			Release:   r,
			Artifacts: append([]models.Artifact(nil), artifacts...),
		})
	}
	return out
}
