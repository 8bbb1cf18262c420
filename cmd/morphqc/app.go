package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/BlueBrain/data-integration-pipelines-sub000/annotation"
	"github.com/BlueBrain/data-integration-pipelines-sub000/atlas"
	"github.com/BlueBrain/data-integration-pipelines-sub000/checks"
	"github.com/BlueBrain/data-integration-pipelines-sub000/config"
	"github.com/BlueBrain/data-integration-pipelines-sub000/download"
	"github.com/BlueBrain/data-integration-pipelines-sub000/export"
	"github.com/BlueBrain/data-integration-pipelines-sub000/graph"
	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
	"github.com/BlueBrain/data-integration-pipelines-sub000/pipeline"
	"github.com/BlueBrain/data-integration-pipelines-sub000/reconcile"
	"github.com/BlueBrain/data-integration-pipelines-sub000/storage"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// newLogger writes text to terminals and JSON otherwise.
func newLogger(w io.Writer, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func loadConfig(opts *options, logger *slog.Logger) (*config.Config, error) {
	overrides, err := opts.overrides()
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewLoader(logger).WithFile(opts.configPath).WithOverrides(overrides).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if overrides.Graph.Endpoint != "" {
		// The staging switch wins over a base URL from the files.
		cfg.Graph.BaseURL = ""
	}
	return cfg, nil
}

// connectGraph authenticates and returns the client with the IRI of the
// authenticated user.
func connectGraph(ctx context.Context, cfg *config.Config, opts *options, logger *slog.Logger) (*nexus.Client, string, error) {
	bucket, err := nexus.ParseBucket(opts.bucket)
	if err != nil {
		return nil, "", err
	}
	baseURL, err := cfg.GraphURL()
	if err != nil {
		return nil, "", err
	}

	password := opts.password
	if password == "" {
		password = os.Getenv("MORPHQC_PASSWORD")
	}
	creds := nexus.Credentials{
		TokenURL: cfg.Graph.TokenURL,
		ClientID: cfg.Graph.ClientID,
		Username: opts.username,
		Password: password,
		Token:    os.Getenv("MORPHQC_TOKEN"),
	}
	ts, err := creds.TokenSource(ctx)
	if err != nil {
		return nil, "", err
	}

	client := nexus.NewClient(baseURL, bucket,
		nexus.WithTokenSource(ts),
		nexus.WithRetryConfig(cfg.Graph.Retry),
		nexus.WithTimeout(cfg.Graph.Timeout),
		nexus.WithRateLimit(cfg.Graph.RateLimit),
		nexus.WithLogger(logger),
	)
	agent, err := client.WhoAmI(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("identify user: %w", err)
	}
	logger.Info("Authenticated", "agent", agent, "graph", baseURL, "bucket", bucket.String())
	return client, agent, nil
}

// loadAtlas loads the primary atlas and the optional alternate one. A nil
// atlas is returned when none is configured.
func loadAtlas(cfg config.AtlasConfig, logger *slog.Logger) (*atlas.Atlas, *atlas.Atlas, error) {
	if cfg.Annotation == "" || cfg.Ontology == "" {
		return nil, nil, nil
	}
	primary, err := atlas.Load("primary", cfg.Annotation, cfg.Ontology, cfg.CacheSize, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load atlas: %w", err)
	}
	if cfg.Alternate == "" {
		return primary, nil, nil
	}
	alternate, err := atlas.Load("alternate", cfg.Alternate, cfg.Ontology, cfg.CacheSize, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load alternate atlas: %w", err)
	}
	return primary, alternate, nil
}

// analysisOptions are the runner options shared by graph and local runs.
// requireAtlas turns a missing atlas into a setup error.
func analysisOptions(cfg *config.Config, requireAtlas bool, logger *slog.Logger) ([]pipeline.Option, error) {
	primary, alternate, err := loadAtlas(cfg.Atlas, logger)
	if err != nil {
		return nil, err
	}
	if primary == nil && requireAtlas {
		return nil, fmt.Errorf("atlas.annotation and atlas.ontology are required")
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithChecks(checks.NewRunner(cfg.Checks.Thresholds, logger)),
	}
	if primary != nil {
		opts = append(opts, pipeline.WithAtlas(primary, alternate))
	}
	if cfg.Atlas.Metadata != "" {
		md, err := reconcile.LoadMetadata(cfg.Atlas.Metadata)
		if err != nil {
			return nil, fmt.Errorf("load metadata: %w", err)
		}
		logger.Info("Loaded metadata", "path", cfg.Atlas.Metadata, "rows", md.Len())
		opts = append(opts, pipeline.WithMetadata(md))
	}
	return opts, nil
}

func connectToNATS(ctx context.Context, url string, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	logger.Info("Connected to NATS", "url", url)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start a server with JetStream enabled:
  nats-server -js

Or unset nats.url (and NATS_URL) to run without the ledger and graph mirror.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func runPipeline(ctx context.Context, cmd *cobra.Command, opts *options, mode pipeline.Mode) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.logLevel)
	started := time.Now()

	settings, err := opts.settings(mode)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return err
	}
	settings.Workers = cfg.Pipeline.Workers

	client, agent, err := connectGraph(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("Authentication failed", "error", err)
		return err
	}
	runnerOpts, err := analysisOptions(cfg, mode == pipeline.ModeQuality || mode == pipeline.ModeAll, logger)
	if err != nil {
		logger.Error("Atlas setup failed", "error", err)
		return err
	}

	downloader, cleanup, err := newDownloader(ctx, cfg.Pipeline, client, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	bucket := client.Bucket()
	prov := annotation.Provenance{
		Agent:    agent,
		Software: annotation.NewSoftwareAgent(appName, Version),
		Started:  started,
	}
	if cfg.Atlas.Release != "" {
		prov.AtlasRelease = &annotation.Ref{ID: cfg.Atlas.Release, Type: []string{neuro.TypeBrainAtlasRelease}}
	}
	builder := annotation.NewBuilder(prov, fmt.Sprintf("https://bbp.epfl.ch/data/%s/%s/", bucket.Org, bucket.Project))
	out := export.NewWriter(opts.outputDir, bucket.Org, bucket.Project, cfg.Checks.Sparse, logger)

	metrics := pipeline.NewMetrics()
	runnerOpts = append(runnerOpts, pipeline.WithMetrics(metrics))

	if cfg.NATS.URL != "" {
		nc, err := connectToNATS(ctx, cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close(context.WithoutCancel(ctx))

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("open JetStream: %w", err)
		}
		ledger, err := storage.OpenLedger(ctx, js, storage.NewRunID(), logger)
		if err != nil {
			return err
		}
		logger.Info("Recording run", "run", ledger.Run(), "bucket", storage.BucketRuns)
		runnerOpts = append(runnerOpts,
			pipeline.WithLedger(ledger),
			pipeline.WithMirror(graph.NewMirror(nc, ledger.Run(), agent, logger)),
		)
	}

	runner := pipeline.New(client, downloader, builder, out, runnerOpts...)
	summary, err := runner.Run(ctx, settings)
	if err := finishRun(cmd.OutOrStdout(), summary, err, logger); err != nil {
		return err
	}

	writeMetrics(cfg.Metrics, metrics, logger)
	logger.Info("Run finished", "mode", string(mode), "duration", time.Since(started).Round(time.Millisecond))
	return nil
}

func runLocal(ctx context.Context, cmd *cobra.Command, opts *options, paths []string) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.logLevel)

	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return err
	}
	runnerOpts, err := analysisOptions(cfg, false, logger)
	if err != nil {
		return err
	}
	metrics := pipeline.NewMetrics()
	runnerOpts = append(runnerOpts, pipeline.WithMetrics(metrics))

	builder := annotation.NewBuilder(annotation.Provenance{
		Software: annotation.NewSoftwareAgent(appName, Version),
		Started:  time.Now(),
	}, "file:///")
	out := export.NewWriter(opts.outputDir, "local", "files", cfg.Checks.Sparse, logger)

	runner := pipeline.New(nil, nil, builder, out, runnerOpts...)
	summary, err := runner.RunLocal(ctx, pipeline.Settings{Mode: pipeline.ModeAll, Workers: cfg.Pipeline.Workers}, paths)
	if err := finishRun(cmd.OutOrStdout(), summary, err, logger); err != nil {
		return err
	}

	writeMetrics(cfg.Metrics, metrics, logger)
	return nil
}

// finishRun prints the run summary. An interrupted run that produced a
// summary is reported like any other; only setup failures are returned.
func finishRun(w io.Writer, summary *pipeline.Summary, err error, logger *slog.Logger) error {
	if err != nil {
		interrupted := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		if summary == nil || !interrupted {
			return err
		}
		logger.Warn("Run interrupted, graph writes skipped", "cells", summary.Cells, "error", err)
	}
	fmt.Fprintln(w, summary.String())
	return nil
}

func newDownloader(ctx context.Context, cfg config.PipelineConfig, client *nexus.Client, logger *slog.Logger) (*download.Downloader, func(), error) {
	root := cfg.DownloadDir
	if root == "" {
		dir, err := os.MkdirTemp("", appName+"-")
		if err != nil {
			return nil, nil, fmt.Errorf("create download dir: %w", err)
		}
		root = dir
	}
	objects, err := download.NewS3Client(ctx, download.S3Config{
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		PathStyle: cfg.S3.PathStyle,
	})
	if err != nil {
		return nil, nil, err
	}
	d, err := download.New(root, client, objects, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if cfg.KeepDownloads {
			logger.Info("Keeping downloads", "dir", d.Root())
			return
		}
		if err := d.Cleanup(); err != nil {
			logger.Warn("Failed to remove downloads", "dir", d.Root(), "error", err)
		}
	}
	return d, cleanup, nil
}

func writeMetrics(cfg config.MetricsConfig, m *pipeline.Metrics, logger *slog.Logger) {
	if cfg.Textfile == "" {
		return
	}
	if err := m.WriteTextfile(cfg.Textfile); err != nil {
		logger.Warn("Failed to write metrics", "path", cfg.Textfile, "error", err)
	}
}
