package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BlueBrain/data-integration-pipelines-sub000/config"
	"github.com/BlueBrain/data-integration-pipelines-sub000/pipeline"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// options are the flags shared by the subcommands.
type options struct {
	configPath string
	logLevel   string

	bucket    string
	username  string
	password  string
	outputDir string
	limit     int
	workers   int

	curated           string
	reallyUpdate      string
	pushToStaging     string
	defaultAnnotation string
}

func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Neuron morphology feature and quality annotation",
		Long: `Morphqc reads the neuron morphologies of a knowledge-graph bucket,
computes their morphometric features and validity checks, reconciles their
declared brain region against an atlas and writes the results back as
annotations.

Every pipeline also writes its reports under --output_dir. Without
--really_update yes no graph write is performed.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		pipelineCmd(opts, pipeline.ModeFeatures, "Annotate morphologies with their morphometric features"),
		pipelineCmd(opts, pipeline.ModeQuality, "Run the validity checks and write quality annotations"),
		pipelineCmd(opts, pipeline.ModeCurate, "Set the curation annotation of morphologies from their checks"),
		pipelineCmd(opts, pipeline.ModeAll, "Run features, quality and curation in one pass"),
		localCmd(opts),
		constrainCmd(opts),
		configCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func addGraphFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVar(&opts.bucket, "bucket", "", "Knowledge-graph bucket as <org>/<project>")
	f.StringVar(&opts.username, "username", "", "Account used for the password grant")
	f.StringVar(&opts.password, "password", "", "Password of the account (or MORPHQC_PASSWORD)")
	f.StringVar(&opts.reallyUpdate, "really_update", "no", "Perform the graph writes (yes, no)")
	f.StringVar(&opts.pushToStaging, "push_to_staging", "no", "Use the staging deployment (yes, no)")
	_ = cmd.MarkFlagRequired("bucket")
}

func addOutputFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVar(&opts.outputDir, "output_dir", "output", "Directory of the local reports")
	f.IntVar(&opts.workers, "workers", 0, "Worker pool size (default from config)")
}

func pipelineCmd(opts *options, mode pipeline.Mode, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runPipeline(ctx, cmd, opts, mode)
		},
	}
	addGraphFlags(cmd, opts)
	addOutputFlags(cmd, opts)
	f := cmd.Flags()
	f.IntVar(&opts.limit, "limit", 0, "Process at most this many morphologies (0 = all)")
	f.StringVar(&opts.curated, "curated", "both", "Select morphologies by curation state (yes, no, both)")
	f.StringVar(&opts.defaultAnnotation, "default_annotation", "no",
		"Mark cells whose checks could not be computed as Unassessed (yes, no)")
	return cmd
}

func localCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local <pattern>...",
		Short: "Compute features and checks of local SWC files",
		Long: `Local runs the loader, features, checks and region lookup over files
on disk. Patterns support ** (for example data/**/*.swc). Only the local
reports are written.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			paths, err := expandPatterns(args)
			if err != nil {
				return err
			}
			return runLocal(ctx, cmd, opts, paths)
		},
	}
	addOutputFlags(cmd, opts)
	return cmd
}

func constrainCmd(opts *options) *cobra.Command {
	var schema string
	cmd := &cobra.Command{
		Use:   "constrain <morphology-id>...",
		Short: "Reassign the constraining schema of morphologies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runConstrain(ctx, cmd, opts, schema, args)
		},
	}
	addGraphFlags(cmd, opts)
	cmd.Flags().StringVar(&schema, "schema", neuro.SchemaMorphology, "Schema the morphologies are constrained by")
	return cmd
}

func configCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				logger := newLogger(cmd.ErrOrStderr(), opts.logLevel)
				cfg, err := config.NewLoader(logger).WithFile(opts.configPath).Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default user configuration if none exists",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				logger := newLogger(cmd.ErrOrStderr(), opts.logLevel)
				return config.NewLoader(logger).EnsureUserConfig()
			},
		},
	)
	return cmd
}

// settings validates the switches of a pipeline run.
func (o *options) settings(mode pipeline.Mode) (pipeline.Settings, error) {
	s := pipeline.Settings{Mode: mode, Limit: o.limit}
	if o.limit < 0 {
		return s, fmt.Errorf("--limit must not be negative")
	}

	switch pipeline.CuratedFilter(strings.ToLower(o.curated)) {
	case pipeline.CuratedYes, pipeline.CuratedNo, pipeline.CuratedBoth:
		s.Curated = pipeline.CuratedFilter(strings.ToLower(o.curated))
	default:
		return s, fmt.Errorf("--curated: want yes, no or both, got %q", o.curated)
	}

	var err error
	if s.ReallyUpdate, err = parseYesNo("really_update", o.reallyUpdate); err != nil {
		return s, err
	}
	if s.DefaultAnnotation, err = parseYesNo("default_annotation", o.defaultAnnotation); err != nil {
		return s, err
	}
	return s, nil
}

// overrides turns the flags into the last configuration layer.
func (o *options) overrides() (*config.Config, error) {
	cfg := &config.Config{}
	cfg.Pipeline.Workers = o.workers
	staging, err := parseYesNo("push_to_staging", o.pushToStaging)
	if err != nil {
		return nil, err
	}
	if staging {
		cfg.Graph.Endpoint = "staging"
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	return cfg, nil
}

func parseYesNo(flag, v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "true":
		return true, nil
	case "no", "n", "false", "":
		return false, nil
	}
	return false, fmt.Errorf("--%s: want yes or no, got %q", flag, v)
}

// expandPatterns resolves the glob patterns of a local run. A pattern
// without metacharacters is taken as a path.
func expandPatterns(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %s", p)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	return paths, nil
}

func runConstrain(ctx context.Context, cmd *cobra.Command, opts *options, schema string, ids []string) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.logLevel)
	really, err := parseYesNo("really_update", opts.reallyUpdate)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return err
	}
	client, _, err := connectGraph(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}

	failed := 0
	for _, id := range ids {
		if !really {
			logger.Info("Planned schema update", "id", id, "schema", schema)
			continue
		}
		if _, err := client.UpdateSchema(ctx, id, schema); err != nil {
			failed++
			logger.Warn("Schema update failed", "id", id, "error", err)
			continue
		}
		logger.Info("Updated schema", "id", id, "schema", schema)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d morphologies, %d failed\n", len(ids), failed)
	return nil
}
