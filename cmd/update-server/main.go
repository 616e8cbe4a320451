package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/Servarr/ServarrAPI.Update/internal/adapters/auth"
	"github.com/Servarr/ServarrAPI.Update/internal/adapters/metadata"
	"github.com/Servarr/ServarrAPI.Update/internal/adapters/purge"
	"github.com/Servarr/ServarrAPI.Update/internal/adapters/sources"
	"github.com/Servarr/ServarrAPI.Update/internal/adapters/storage"
	"github.com/Servarr/ServarrAPI.Update/internal/adapters/upstream"
	"github.com/Servarr/ServarrAPI.Update/internal/api/handlers"
	"github.com/Servarr/ServarrAPI.Update/internal/config"
	"github.com/Servarr/ServarrAPI.Update/internal/core/ingest"
	"github.com/Servarr/ServarrAPI.Update/internal/core/resolve"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
	"github.com/Servarr/ServarrAPI.Update/internal/util/logging"
	"github.com/Servarr/ServarrAPI.Update/internal/worker"
)

// Set with -ldflags "-X main.version=... -X main.branch=...".
var (
	version = "dev"
	branch  = "local"
)

const service = "update-server"

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "path to config file (.yaml, .json or .jsonc)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (%s)\n", service, version, branch)
		return
	}

	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Str("service", service).Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load config")
	}

	logger, err := logging.New(os.Stdout, service, cfg.Log.Level)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to configure logging")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize metadata store.
	store, err := metadata.NewSQLiteStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing metadata store: %w", err)
	}
	defer store.Close()

	releases, err := store.CountReleases(ctx)
	if err != nil {
		return fmt.Errorf("reading metadata store: %w", err)
	}
	artifacts, err := store.CountArtifacts(ctx)
	if err != nil {
		return fmt.Errorf("reading metadata store: %w", err)
	}
	logger.Info().Int("releases", releases).Int("artifacts", artifacts).Str("data_dir", cfg.Storage.DataDir).Msg("opened metadata store")

	// Initialize download scratch space and drop leftovers of a previous run.
	downloads, err := storage.NewDownloads(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing download directory: %w", err)
	}
	if n, err := downloads.Sweep(); err != nil {
		logger.Warn().Err(err).Msg("sweeping download directory")
	} else if n > 0 {
		logger.Info().Int("files", n).Str("dir", downloads.Dir()).Msg("removed stale downloads")
	}

	clients := newClients(cfg)
	defer clients.close()

	srcs := buildSources(cfg, clients, downloads, logger)
	triggers, purger := buildTriggers(cfg, clients.triggers, logger)

	coordinator := ingest.New(store, srcs, ingest.Options{
		LockWait:       cfg.Ingest.LockWait,
		TriggerTimeout: cfg.Ingest.TriggerTimeout,
		Watermarks:     store,
		Triggers:       triggers,
	}, logger)
	if err := coordinator.LoadWatermarks(ctx); err != nil {
		return fmt.Errorf("loading watermarks: %w", err)
	}
	for _, kind := range coordinator.Kinds() {
		if mark, ok := coordinator.Watermark(kind); ok {
			logger.Info().Str("source", string(kind)).Int64("watermark", mark).Msg("resuming source")
		}
	}

	resolver, err := resolve.New(store, resolve.Config{
		VersionGates:    cfg.Updates.VersionGates,
		RuntimeGates:    cfg.Updates.RuntimeGates,
		BranchRedirects: cfg.Updates.BranchRedirects,
	})
	if err != nil {
		return fmt.Errorf("initializing resolver: %w", err)
	}

	// Background ingestion: webhook refreshes and the poll schedule share
	// one queue.
	queue := worker.NewQueue(cfg.Ingest.QueueSize, logger)
	refresher := worker.NewRefresher(queue, coordinator, logger)
	scheduler := worker.NewScheduler(queue, cfg.Ingest.PollInterval, refresher.Jobs(), logger)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		queue.Run(ctx)
	}()
	go scheduler.Run(ctx)

	deps := handlers.Deps{
		Resolver:      resolver,
		Notifications: store,
		Auth:          auth.NewKeyAuth(cfg.Auth.APIKey),
		Refresher:     refresher,
		Info:          handlers.BuildInfo{Version: version, Branch: branch},
	}
	if purger != nil {
		deps.Purger = purger
	}
	handler := handlers.New(deps, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Strs("sources", kindNames(coordinator)).Msg("starting update server")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown.
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("forcing server close")
		srv.Close()
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("ingestion still running at shutdown")
	}
	return nil
}

// clients holds one upstream client per credential set.
type clients struct {
	plain    *upstream.Client
	github   *upstream.Client
	appveyor *upstream.Client
	// triggers never retries; Cloudflare runs its own attempts.
	triggers *upstream.Client
}

func newClients(cfg *config.Config) *clients {
	base := []upstream.Option{
		upstream.WithUserAgent(cfg.Upstream.UserAgent),
		upstream.WithMaxRetries(cfg.Upstream.MaxRetries),
		upstream.WithRateLimit(cfg.Upstream.RequestsPerSecond, 1),
	}

	c := &clients{
		plain: upstream.New(base...),
		triggers: upstream.New(
			upstream.WithUserAgent(cfg.Upstream.UserAgent),
			upstream.WithMaxRetries(0),
		),
	}
	c.github = c.plain
	c.appveyor = c.plain

	if cfg.GitHub != nil && cfg.GitHub.Token != "" {
		token := cfg.GitHub.Token
		c.github = upstream.New(append(base,
			upstream.WithHeader("Accept", "application/vnd.github+json"),
			upstream.WithAuth(func(req *http.Request) {
				req.Header.Set("Authorization", "token "+token)
			}),
		)...)
	}
	if cfg.AppVeyor != nil && cfg.AppVeyor.Token != "" {
		token := cfg.AppVeyor.Token
		c.appveyor = upstream.New(append(base,
			upstream.WithAuth(func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+token)
			}),
		)...)
	}
	return c
}

func (c *clients) close() {
	c.plain.Close()
	c.github.Close()
	c.appveyor.Close()
	c.triggers.Close()
}

func buildSources(cfg *config.Config, c *clients, downloads *storage.Downloads, logger zerolog.Logger) []services.ReleaseSource {
	var srcs []services.ReleaseSource

	if gh := cfg.GitHub; gh != nil {
		srcs = append(srcs, sources.NewGitHub(sources.GitHubConfig{
			APIURL:      gh.APIURL,
			Owner:       gh.Owner,
			Repo:        gh.Repo,
			Project:     cfg.Project,
			Parallelism: cfg.Ingest.Parallelism,
		}, c.github, downloads, logger))
	}

	if az := cfg.Azure; az != nil {
		githubAPI := ""
		if cfg.GitHub != nil {
			githubAPI = cfg.GitHub.APIURL
		}
		srcs = append(srcs, sources.NewAzure(sources.AzureConfig{
			BaseURL:      az.BaseURL,
			Project:      az.Project,
			Definitions:  az.Definitions,
			NightlyRef:   az.NightlyRef,
			GitHubAPIURL: githubAPI,
			GitHubOwner:  az.GitHubOwner,
			GitHubRepo:   az.GitHubRepo,
			Parallelism:  cfg.Ingest.Parallelism,
		}, c.plain, c.github, downloads, logger))
	}

	if av := cfg.AppVeyor; av != nil {
		srcs = append(srcs, sources.NewAppVeyor(sources.AppVeyorConfig{
			APIURL:      av.APIURL,
			Account:     av.Account,
			Slug:        av.Slug,
			Branch:      av.Branch,
			Parallelism: cfg.Ingest.Parallelism,
		}, c.appveyor, downloads, logger))
	}
	return srcs
}

// buildTriggers returns the post-ingestion triggers and, when Cloudflare is
// configured, the purger used for manual branch invalidation.
func buildTriggers(cfg *config.Config, client *upstream.Client, logger zerolog.Logger) ([]services.Trigger, *purge.Cloudflare) {
	var (
		triggers []services.Trigger
		purger   *purge.Cloudflare
	)

	if cf := cfg.Cloudflare; cf != nil {
		purger = purge.NewCloudflare(purge.CloudflareConfig{
			APIURL:  cf.APIURL,
			ZoneID:  cf.ZoneID,
			Email:   cf.Email,
			Key:     cf.Key,
			BaseURL: cf.BaseURL,
		}, client, logger)
		triggers = append(triggers, purger)
	}

	for _, wh := range cfg.Webhooks {
		header := make(http.Header, len(wh.Headers))
		for k, v := range wh.Headers {
			header.Set(k, v)
		}
		triggers = append(triggers, purge.NewWebhook(wh.Name, wh.URL, header, client))
	}
	return triggers, purger
}

func kindNames(c *ingest.Coordinator) []string {
	kinds := c.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
