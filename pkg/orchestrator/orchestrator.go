// Package orchestrator drives a full aggregation run: parallel source
// ingestion, transformation, per-route build and pooled publish, output
// export and cleanup.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/telemerge/mergebot/pkg/config"
	"github.com/telemerge/mergebot/pkg/connector"
	tgconnector "github.com/telemerge/mergebot/pkg/connector/telegram"
	"github.com/telemerge/mergebot/pkg/format"
	"github.com/telemerge/mergebot/pkg/log"
	"github.com/telemerge/mergebot/pkg/metrics"
	"github.com/telemerge/mergebot/pkg/pipeline"
	"github.com/telemerge/mergebot/pkg/publisher"
	tgpublisher "github.com/telemerge/mergebot/pkg/publisher/telegram"
	"github.com/telemerge/mergebot/pkg/state"
	"github.com/telemerge/mergebot/pkg/store"
)

// DefaultMaxWorkers is the ingestion pool size when unconfigured.
const DefaultMaxWorkers = 2

// ConnectorFactory builds a connector for one configured source.
type ConnectorFactory func(src config.Source, windows tgconnector.FetchWindows) (connector.Connector, error)

// defaultConnectorFactory supports the Bot API source type. The MTProto
// user-session type needs an external session backend and is rejected here;
// deployments provide their own factory for it.
func defaultConnectorFactory(src config.Source, windows tgconnector.FetchWindows) (connector.Connector, error) {
	switch src.Type {
	case config.SourceTypeTelegram:
		return tgconnector.New(src.ID, src.Telegram.Token, src.Telegram.ChatID, windows), nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", src.Type)
	}
}

// Options tunes one orchestrator instance.
type Options struct {
	DataDir      string
	DBPath       string
	MaxWorkers   int
	FetchWindows tgconnector.FetchWindows
	Timeout      time.Duration
	NoDeliver    bool

	// OutputsDir and DevOutputsDir are the repo-tracked export trees.
	// Empty values default to "outputs" and "outputs_dev".
	OutputsDir    string
	DevOutputsDir string

	ConnectorFactory ConnectorFactory
	PublisherFactory publisher.Factory
}

// Report summarizes one run.
type Report struct {
	RunID           string
	IngestOK        int
	IngestFailed    int
	Artifacts       int
	PublishAttempts int
	PublishFailures int
	RoutesOK        int
	RoutesFailed    int

	IngestDuration    time.Duration
	TransformDuration time.Duration
	BuildDuration     time.Duration
	CleanupDuration   time.Duration
	TotalDuration     time.Duration
}

// Orchestrator wires the stores, the state repository and the pipelines
// around one configuration.
type Orchestrator struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger

	raw       *store.RawStore
	artifacts *store.ArtifactStore
	repo      *state.Repository
	registry  *format.Registry

	ingest    *pipeline.Ingest
	transform *pipeline.Transform
	build     *pipeline.Build
	publish   *pipeline.Publish

	seenMu       sync.Mutex
	seenChannels map[string]string
}

// New builds an orchestrator and all its components.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.OutputsDir == "" {
		opts.OutputsDir = "outputs"
	}
	if opts.DevOutputsDir == "" {
		opts.DevOutputsDir = "outputs_dev"
	}
	if opts.ConnectorFactory == nil {
		opts.ConnectorFactory = defaultConnectorFactory
	}
	if opts.PublisherFactory == nil {
		opts.PublisherFactory = func(token string) publisher.Publisher { return tgpublisher.New(token) }
	}
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(opts.DataDir, "state", "state.db")
	}

	raw, err := store.NewRawStore(filepath.Join(opts.DataDir, "raw"))
	if err != nil {
		return nil, err
	}
	artifacts, err := store.NewArtifactStore(opts.DataDir)
	if err != nil {
		return nil, err
	}
	repo, err := state.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}

	registry := format.NewRegistry()
	format.RegisterBuiltin(registry, raw)

	sources := make(map[string]config.Source, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[s.ID] = s
	}

	o := &Orchestrator{
		cfg:          cfg,
		opts:         opts,
		logger:       log.WithComponent("orchestrator"),
		raw:          raw,
		artifacts:    artifacts,
		repo:         repo,
		registry:     registry,
		ingest:       pipeline.NewIngest(raw, repo),
		transform:    pipeline.NewTransform(raw, repo, registry, sources),
		build:        pipeline.NewBuild(repo, artifacts, registry, raw),
		publish:      pipeline.NewPublish(repo, opts.PublisherFactory),
		seenChannels: map[string]string{},
	}
	o.logger.Info().Int("sources", len(cfg.Sources)).Int("routes", len(cfg.Routes)).
		Int("workers", opts.MaxWorkers).Msg("orchestrator ready")
	return o, nil
}

// Close releases the state database.
func (o *Orchestrator) Close() error {
	return o.repo.Close()
}

// ingestOne runs one source through the ingest pipeline, deduplicating
// sources that resolve to the same canonical channel.
func (o *Orchestrator) ingestOne(ctx context.Context, src config.Source) bool {
	logger := log.WithSourceID(src.ID)

	conn, err := o.opts.ConnectorFactory(src, o.opts.FetchWindows)
	if err != nil {
		logger.Warn().Err(err).Msg("skipping source")
		return false
	}
	if cleaner, ok := conn.(connector.Cleaner); ok {
		defer cleaner.Cleanup()
	}

	if resolver, ok := conn.(connector.ChannelResolver); ok {
		if channelID, ok := resolver.ResolveChannelID(ctx); ok {
			o.seenMu.Lock()
			owner, dup := o.seenChannels[channelID]
			if !dup {
				o.seenChannels[channelID] = src.ID
			}
			o.seenMu.Unlock()
			if dup {
				logger.Warn().Str("channel_id", channelID).Str("owner", owner).
					Msg("skipping source, channel already ingested")
				return true
			}
		}
	}

	if _, err := o.ingest.Run(ctx, src.ID, src.Type, conn); err != nil {
		logger.Error().Err(err).Msg("ingest failed")
		return false
	}
	return true
}

// runIngestPhase drains all sources through a fixed worker pool pulling
// from a shared queue. No source is handed to two workers.
func (o *Orchestrator) runIngestPhase(ctx context.Context, report *Report) {
	workers := o.opts.MaxWorkers
	if len(o.cfg.Sources) < workers {
		workers = len(o.cfg.Sources)
	}
	o.logger.Info().Int("sources", len(o.cfg.Sources)).Int("workers", workers).
		Msg("phase 1: ingestion")

	queue := make(chan config.Source, len(o.cfg.Sources))
	for _, src := range o.cfg.Sources {
		queue <- src
	}
	close(queue)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range queue {
				if ctx.Err() != nil {
					return
				}
				ok := o.ingestOne(ctx, src)
				mu.Lock()
				if ok {
					report.IngestOK++
				} else {
					report.IngestFailed++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

// runBuildPublishPhase builds routes serially and submits publishes to a
// shared pool; the remaining run time bounds the collective wait.
func (o *Orchestrator) runBuildPublishPhase(ctx context.Context, cutoffID int64, report *Report) []pipeline.BuildResult {
	o.logger.Info().Int("routes", len(o.cfg.Routes)).Msg("phase 3: build and publish")

	var all []pipeline.BuildResult
	var mu sync.Mutex
	routeFailed := map[string]bool{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxWorkers)

	for _, route := range o.cfg.Routes {
		if ctx.Err() != nil {
			o.logger.Warn().Msg("deadline exceeded during build phase")
			break
		}

		results, err := o.build.Run(ctx, pipeline.RouteConfig{
			Name:          route.Name,
			Formats:       route.Formats,
			FromSources:   route.FromSources,
			MinSeenFileID: cutoffID,
		})
		if err != nil {
			o.logger.Error().Err(err).Str("route", route.Name).Msg("build failed")
			routeFailed[route.Name] = true
			continue
		}
		if len(results) == 0 {
			continue
		}
		all = append(all, results...)
		report.Artifacts += len(results)

		if o.opts.NoDeliver {
			continue
		}
		route := route
		for _, res := range results {
			res := res
			mu.Lock()
			report.PublishAttempts++
			mu.Unlock()
			g.Go(func() error {
				if err := o.publish.Run(gctx, res, route.Destinations); err != nil {
					mu.Lock()
					report.PublishFailures++
					routeFailed[route.Name] = true
					mu.Unlock()
					o.logger.Error().Err(err).Str("route", route.Name).
						Str("unique_id", res.UniqueID).Msg("publish failed")
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, route := range o.cfg.Routes {
		if routeFailed[route.Name] {
			report.RoutesFailed++
		} else {
			report.RoutesOK++
		}
	}
	return all
}

// Run executes the four phases. Partial failures are reported, not
// returned: only the report tells how much of the run succeeded.
func (o *Orchestrator) Run(ctx context.Context) *Report {
	start := time.Now()
	report := &Report{RunID: uuid.NewString()}

	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	// The cutoff id freezes the delta window: only files first seen after
	// this point in the ledger feed this run's builds.
	cutoffID, err := o.repo.MaxSeenFileID(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("could not read seen-file cutoff")
		cutoffID = 0
	}
	o.logger.Info().Str("run_id", report.RunID).Int64("cutoff_id", cutoffID).
		Dur("timeout", o.opts.Timeout).Msg("run starting")

	phase := time.Now()
	o.runIngestPhase(ctx, report)
	report.IngestDuration = time.Since(phase)
	o.logger.Info().Int("ok", report.IngestOK).Int("failed", report.IngestFailed).
		Dur("duration", report.IngestDuration).Msg("phase 1 done")

	if ctx.Err() != nil {
		o.logger.Warn().Msg("deadline exceeded before phase 2, skipping transformation")
	} else {
		phase = time.Now()
		o.logger.Info().Msg("phase 2: transformation")
		if err := o.transform.ProcessPending(ctx); err != nil {
			o.logger.Error().Err(err).Msg("transform failed")
		}
		report.TransformDuration = time.Since(phase)
		o.logger.Info().Dur("duration", report.TransformDuration).Msg("phase 2 done")
	}

	phase = time.Now()
	buildResults := o.runBuildPublishPhase(ctx, cutoffID, report)
	report.BuildDuration = time.Since(phase)
	o.logger.Info().Int("routes_ok", report.RoutesOK).Int("routes_failed", report.RoutesFailed).
		Int("artifacts", report.Artifacts).Int("publish_failures", report.PublishFailures).
		Dur("duration", report.BuildDuration).Msg("phase 3 done")

	// Exports and cleanup run regardless of how the earlier phases went,
	// with a fresh context in case the run deadline already fired.
	tailCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		tailCtx, cancel = context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
	}

	if err := o.exportOutputs(buildResults); err != nil {
		o.logger.Error().Err(err).Msg("output export failed")
	}
	if err := o.exportDevOutputs(tailCtx); err != nil {
		o.logger.Error().Err(err).Msg("dev export failed")
	}

	phase = time.Now()
	o.logger.Info().Msg("phase 4: cleanup")
	if pruned, err := o.raw.PruneProcessed(tailCtx, &o.repo.Queries); err != nil {
		o.logger.Error().Err(err).Msg("raw cleanup failed")
	} else {
		metrics.BlobsPruned.Add(float64(pruned))
	}
	if _, err := o.artifacts.PruneArchive(store.DefaultArchiveRetentionDays); err != nil {
		o.logger.Error().Err(err).Msg("archive cleanup failed")
	}
	report.CleanupDuration = time.Since(phase)

	report.TotalDuration = time.Since(start)
	o.logger.Info().Str("run_id", report.RunID).
		Dur("ingest", report.IngestDuration).
		Dur("transform", report.TransformDuration).
		Dur("build_publish", report.BuildDuration).
		Dur("cleanup", report.CleanupDuration).
		Dur("total", report.TotalDuration).
		Msg("run complete")
	return report
}
