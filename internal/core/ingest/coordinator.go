// Package ingest serializes release ingestion per source and persists what
// the sources find.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
	"github.com/Servarr/ServarrAPI.Update/internal/core/version"
	"github.com/Servarr/ServarrAPI.Update/internal/util/hashing"
)

const (
	DefaultLockWait       = 5 * time.Minute
	DefaultTriggerTimeout = 2500 * time.Millisecond
)

// Options configures a Coordinator.
type Options struct {
	// LockWait bounds how long Run waits for a busy source.
	LockWait time.Duration
	// TriggerTimeout bounds each trigger call.
	TriggerTimeout time.Duration
	// Watermarks persists watermarks across restarts. Optional.
	Watermarks services.WatermarkStore
	Triggers   []services.Trigger
}

// TriggerResult is the outcome of one trigger call.
type TriggerResult struct {
	Target string
	Err    error
}

// Report summarizes one Run.
type Report struct {
	Source models.SourceKind
	// LockTimeout is set when the source stayed busy for the whole wait and
	// nothing ran.
	LockTimeout     bool
	NewReleases     int
	NewArtifacts    int
	Skipped         int
	ChangedBranches []string
	Watermark       int64
	Triggers        []TriggerResult
}

// slot is the per-source lock. watermark is written only by the holder of
// sem.
type slot struct {
	sem       *semaphore.Weighted
	watermark atomic.Int64
}

// Coordinator owns one slot per registered source.
type Coordinator struct {
	store   services.ReleaseStore
	sources map[models.SourceKind]services.ReleaseSource
	slots   map[models.SourceKind]*slot
	opts    Options
	logger  zerolog.Logger
}

// New creates a Coordinator. The source set is fixed for its lifetime.
func New(store services.ReleaseStore, sources []services.ReleaseSource, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.TriggerTimeout <= 0 {
		opts.TriggerTimeout = DefaultTriggerTimeout
	}

	c := &Coordinator{
		store:   store,
		sources: make(map[models.SourceKind]services.ReleaseSource, len(sources)),
		slots:   make(map[models.SourceKind]*slot, len(sources)),
		opts:    opts,
		logger:  logger,
	}
	for _, src := range sources {
		c.sources[src.Kind()] = src
		c.slots[src.Kind()] = &slot{sem: semaphore.NewWeighted(1)}
	}
	return c
}

// LoadWatermarks seeds the in-memory watermarks from the watermark store.
func (c *Coordinator) LoadWatermarks(ctx context.Context) error {
	if c.opts.Watermarks == nil {
		return nil
	}
	marks, err := c.opts.Watermarks.LoadWatermarks(ctx)
	if err != nil {
		return err
	}
	for kind, mark := range marks {
		if sl, ok := c.slots[kind]; ok {
			sl.watermark.Store(mark)
		}
	}
	return nil
}

// Kinds returns the registered sources in a stable order.
func (c *Coordinator) Kinds() []models.SourceKind {
	var kinds []models.SourceKind
	for _, k := range models.SourceKinds {
		if _, ok := c.sources[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Has reports whether a source of the given kind is registered.
func (c *Coordinator) Has(kind models.SourceKind) bool {
	_, ok := c.sources[kind]
	return ok
}

// Watermark returns the current watermark of a source.
func (c *Coordinator) Watermark(kind models.SourceKind) (int64, bool) {
	sl, ok := c.slots[kind]
	if !ok {
		return 0, false
	}
	return sl.watermark.Load(), true
}

// Run ingests new releases from one source. A source error is returned
// after the releases fetched before it have been persisted. A lock
// timeout is reported in the Report, not as an error.
func (c *Coordinator) Run(ctx context.Context, kind models.SourceKind) (Report, error) {
	report := Report{Source: kind}

	src, ok := c.sources[kind]
	if !ok {
		return report, fmt.Errorf("%w: %s", services.ErrUnknownSource, kind)
	}
	sl := c.slots[kind]
	log := c.logger.With().Str("source", string(kind)).Logger()

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.LockWait)
	err := sl.sem.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		log.Warn().Dur("waited", c.opts.LockWait).Msg("source busy, skipping ingestion run")
		report.LockTimeout = true
		return report, nil
	}

	runErr := c.ingest(ctx, src, sl, &report, log)
	sl.sem.Release(1)

	if len(report.ChangedBranches) > 0 {
		report.Triggers = c.Notify(ctx, report.ChangedBranches)
	}

	log.Info().
		Int("new_releases", report.NewReleases).
		Int("new_artifacts", report.NewArtifacts).
		Int("skipped", report.Skipped).
		Strs("branches", report.ChangedBranches).
		Int64("watermark", report.Watermark).
		Msg("ingestion run finished")

	return report, runErr
}

func (c *Coordinator) ingest(ctx context.Context, src services.ReleaseSource, sl *slot, report *Report, log zerolog.Logger) error {
	result, fetchErr := src.FetchNew(ctx, services.FetchRequest{
		Watermark: sl.watermark.Load(),
		Exists:    c.exists,
	})
	if fetchErr != nil {
		log.Error().Err(fetchErr).Int("partial", len(result.Bundles)).Msg("fetching releases failed")
	}

	changed := make(map[string]struct{})
	for _, bundle := range result.Bundles {
		created, err := c.persist(ctx, bundle, report, log)
		if err != nil {
			report.ChangedBranches = sortedKeys(changed)
			report.Watermark = sl.watermark.Load()
			return errors.Join(fetchErr, err)
		}
		if created {
			changed[strings.ToLower(bundle.Release.Branch)] = struct{}{}
		}
	}
	report.ChangedBranches = sortedKeys(changed)

	if result.Watermark > sl.watermark.Load() {
		sl.watermark.Store(result.Watermark)
		if c.opts.Watermarks != nil {
			if err := c.opts.Watermarks.SaveWatermark(ctx, src.Kind(), result.Watermark); err != nil {
				log.Error().Err(err).Msg("saving watermark")
			}
		}
	}
	report.Watermark = sl.watermark.Load()

	if fetchErr != nil {
		return fmt.Errorf("fetching %s releases: %w", src.Kind(), fetchErr)
	}
	return nil
}

// persist stores a bundle unless its release already exists. It reports
// whether a new release was created.
func (c *Coordinator) persist(ctx context.Context, bundle models.Bundle, report *Report, log zerolog.Logger) (bool, error) {
	release := bundle.Release
	release.Branch = strings.ToLower(release.Branch)

	sortable, err := version.Encode(release.Version)
	if err != nil {
		log.Warn().Err(err).Str("branch", release.Branch).Msg("skipping release with malformed version")
		report.Skipped++
		return false, nil
	}
	release.SortableVersion = sortable

	existing, err := c.store.FindRelease(ctx, release.Version, release.Branch)
	if err != nil {
		return false, fmt.Errorf("looking up release %s: %w", release.Version, err)
	}
	if existing != nil {
		report.Skipped++
		return false, nil
	}

	releaseID, err := c.store.InsertRelease(ctx, &release)
	if errors.Is(err, services.ErrConflict) {
		report.Skipped++
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storing release %s: %w", release.Version, err)
	}
	report.NewReleases++

	for _, artifact := range bundle.Artifacts {
		artifact.ReleaseID = releaseID
		if !hashing.Valid(artifact.ContentHash) {
			log.Warn().Str("file", artifact.Filename).Msg("skipping artifact without a valid hash")
			continue
		}

		found, err := c.store.FindArtifact(ctx, releaseID, artifact.OperatingSystem, artifact.Runtime, artifact.Architecture, artifact.IsInstaller)
		if err != nil {
			return true, fmt.Errorf("looking up artifact %s: %w", artifact.Filename, err)
		}
		if found != nil {
			continue
		}
		if _, err := c.store.InsertArtifact(ctx, &artifact); err != nil {
			if errors.Is(err, services.ErrConflict) {
				continue
			}
			return true, fmt.Errorf("storing artifact %s: %w", artifact.Filename, err)
		}
		report.NewArtifacts++
	}

	log.Info().Str("version", release.Version).Str("branch", release.Branch).Int("artifacts", len(bundle.Artifacts)).Msg("release ingested")
	return true, nil
}

func (c *Coordinator) exists(ctx context.Context, version, branch string) (bool, error) {
	r, err := c.store.FindRelease(ctx, version, branch)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

// Notify fires every trigger concurrently, each under its own timeout. A
// failing trigger does not affect the others.
func (c *Coordinator) Notify(ctx context.Context, branches []string) []TriggerResult {
	results := make([]TriggerResult, len(c.opts.Triggers))

	var wg sync.WaitGroup
	for i, trigger := range c.opts.Triggers {
		wg.Add(1)
		go func(i int, trigger services.Trigger) {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.TriggerTimeout)
			defer cancel()

			err := trigger.Fire(tctx, branches)
			results[i] = TriggerResult{Target: trigger.Name(), Err: err}
			if err != nil {
				c.logger.Warn().Err(err).Str("trigger", trigger.Name()).Strs("branches", branches).Msg("trigger failed")
			}
		}(i, trigger)
	}
	wg.Wait()
	return results
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
