// Package purge notifies caches and downstream services after an ingestion
// run published new releases.
package purge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Servarr/ServarrAPI.Update/internal/adapters/upstream"
)

const (
	// DefaultCloudflareAPI is the Cloudflare v4 API root.
	DefaultCloudflareAPI = "https://api.cloudflare.com/client/v4"

	branchesPerRequest = 10
	attemptsPerPage    = 2
)

// ErrPurgeRejected is returned when Cloudflare answers without success.
var ErrPurgeRejected = errors.New("purge rejected")

// CloudflareConfig holds zone credentials and the public base URL of the
// update endpoints.
type CloudflareConfig struct {
	APIURL string
	ZoneID string
	Email  string
	Key    string
	// BaseURL is the public URL the update API is served under, e.g.
	// https://radarr.servarr.com/v1.
	BaseURL string
}

// Cloudflare purges the cached update responses of changed branches.
type Cloudflare struct {
	cfg    CloudflareConfig
	client *upstream.Client
	logger zerolog.Logger
}

// NewCloudflare creates the Cloudflare purge trigger.
func NewCloudflare(cfg CloudflareConfig, client *upstream.Client, logger zerolog.Logger) *Cloudflare {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultCloudflareAPI
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Cloudflare{cfg: cfg, client: client, logger: logger.With().Str("trigger", "cloudflare").Logger()}
}

func (c *Cloudflare) Name() string {
	return "cloudflare"
}

// Fire purges the update, changes and updatefile URLs of every branch,
// ten branches per request. Each page is tried twice.
func (c *Cloudflare) Fire(ctx context.Context, branches []string) error {
	var errs []error
	for start := 0; start < len(branches); start += branchesPerRequest {
		end := min(start+branchesPerRequest, len(branches))
		if err := c.purgePage(ctx, branches[start:end]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PurgeBranch purges a single branch.
func (c *Cloudflare) PurgeBranch(ctx context.Context, branch string) error {
	return c.purgePage(ctx, []string{branch})
}

func (c *Cloudflare) purgePage(ctx context.Context, branches []string) error {
	body := struct {
		Files []string `json:"files"`
	}{Files: c.files(branches)}

	header := http.Header{}
	header.Set("X-Auth-Email", c.cfg.Email)
	header.Set("X-Auth-Key", c.cfg.Key)
	endpoint := fmt.Sprintf("%s/zones/%s/purge_cache", c.cfg.APIURL, url.PathEscape(c.cfg.ZoneID))

	var lastErr error
	for attempt := 1; attempt <= attemptsPerPage; attempt++ {
		var resp struct {
			Success bool `json:"success"`
		}
		err := c.client.PostJSONOnce(ctx, endpoint, header, body, &resp)
		if err == nil && resp.Success {
			c.logger.Debug().Strs("branches", branches).Msg("cache purged")
			return nil
		}
		if err == nil {
			err = ErrPurgeRejected
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Strs("branches", branches).Msg("cache purge failed")
	}
	return fmt.Errorf("purging %s: %w", strings.Join(branches, ","), lastErr)
}

func (c *Cloudflare) files(branches []string) []string {
	files := make([]string, 0, len(branches)*3)
	for _, b := range branches {
		base := c.cfg.BaseURL + "/update/" + b
		files = append(files, base, base+"/changes", base+"/updatefile")
	}
	return files
}
