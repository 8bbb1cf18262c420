package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BlueBrain/data-integration-pipelines-sub000/annotation"
	"github.com/BlueBrain/data-integration-pipelines-sub000/atlas"
	"github.com/BlueBrain/data-integration-pipelines-sub000/checks"
	"github.com/BlueBrain/data-integration-pipelines-sub000/export"
	"github.com/BlueBrain/data-integration-pipelines-sub000/features"
	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
	"github.com/BlueBrain/data-integration-pipelines-sub000/reconcile"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// Mode selects what a run computes and writes.
type Mode string

// Run modes, one per top-level command.
const (
	ModeFeatures Mode = "features"
	ModeQuality  Mode = "quality"
	ModeCurate   Mode = "curate"
	ModeAll      Mode = "all"
)

func (m Mode) features() bool { return m == ModeFeatures || m == ModeAll }
func (m Mode) checks() bool   { return m != ModeFeatures }
func (m Mode) quality() bool  { return m == ModeQuality || m == ModeAll }
func (m Mode) curation() bool { return m == ModeCurate || m == ModeAll }

// CuratedFilter selects morphologies by their current curation state.
type CuratedFilter string

// Curated filter values.
const (
	CuratedYes  CuratedFilter = "yes"
	CuratedNo   CuratedFilter = "no"
	CuratedBoth CuratedFilter = "both"
)

// Keep reports whether a morphology with the given curation state passes.
func (f CuratedFilter) Keep(state string) bool {
	switch f {
	case CuratedYes:
		return state == neuro.Curated
	case CuratedNo:
		return state != neuro.Curated
	default:
		return true
	}
}

// Graph is the knowledge-graph surface of a run. *nexus.Client satisfies it.
type Graph interface {
	List(ctx context.Context, typ string, limit int) ([]nexus.Resource, error)
	RetrieveSelf(ctx context.Context, self string) (nexus.Resource, error)
	SearchAnnotations(ctx context.Context, target, typ string) ([]nexus.Resource, error)
	Create(ctx context.Context, payload any, schema string) (nexus.Resource, error)
	Update(ctx context.Context, id string, rev int, payload any, schema string) (nexus.Resource, error)
	Deprecate(ctx context.Context, id string, rev int) (nexus.Resource, error)
	Upload(ctx context.Context, name, contentType string, r io.Reader) (nexus.Resource, error)
}

// Fetcher downloads the morphology file of a cell. *download.Downloader
// satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, cell string, dists []nexus.Distribution) (string, error)
}

// Ledger records cell state transitions. *storage.Ledger satisfies it.
type Ledger interface {
	Record(ctx context.Context, cell, state string, cause error) error
}

// Mirror publishes completed writes. *graph.Mirror satisfies it.
type Mirror interface {
	Publish(ctx context.Context, op annotation.Op) error
}

// Settings are the per-invocation switches.
type Settings struct {
	Mode    Mode
	Workers int
	// Limit caps the number of listed morphologies; 0 lists all.
	Limit   int
	Curated CuratedFilter
	// ReallyUpdate performs the graph writes; otherwise the plan is only
	// logged and the local artifacts written.
	ReallyUpdate bool
	// DefaultAnnotation marks cells whose checks could not be computed as
	// Unassessed when they carry no curation yet.
	DefaultAnnotation bool
}

// Runner executes runs. Its shared state (atlas, check catalog, feature
// provider) is read-only once built.
type Runner struct {
	graph      Graph
	fetcher    Fetcher
	builder    *annotation.Builder
	out        *export.Writer
	features   features.Provider
	checks     *checks.Runner
	atlas      *atlas.Atlas
	alternate  *atlas.Atlas
	reconciler *reconcile.Reconciler
	metadata   *reconcile.Metadata
	ledger     Ledger
	mirror     Mirror
	metrics    *Metrics
	logger     *slog.Logger

	ledgerWarn sync.Once
}

// Option configures a Runner.
type Option func(*Runner)

// WithFeatures replaces the feature provider.
func WithFeatures(p features.Provider) Option {
	return func(r *Runner) { r.features = p }
}

// WithChecks replaces the check runner.
func WithChecks(c *checks.Runner) Option {
	return func(r *Runner) { r.checks = c }
}

// WithAtlas enables region traversal and reconciliation. alternate may be nil.
func WithAtlas(primary, alternate *atlas.Atlas) Option {
	return func(r *Runner) {
		r.atlas = primary
		r.alternate = alternate
	}
}

// WithMetadata sets the external metadata table.
func WithMetadata(m *reconcile.Metadata) Option {
	return func(r *Runner) { r.metadata = m }
}

// WithLedger records state transitions in l.
func WithLedger(l Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithMirror publishes completed writes to m.
func WithMirror(m Mirror) Option {
	return func(r *Runner) { r.mirror = m }
}

// WithMetrics counts stages and writes on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a runner. graph and fetcher may be nil for local runs.
func New(graph Graph, fetcher Fetcher, builder *annotation.Builder, out *export.Writer, opts ...Option) *Runner {
	r := &Runner{
		graph:   graph,
		fetcher: fetcher,
		builder: builder,
		out:     out,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.features == nil {
		r.features = features.NewCatalog(r.logger)
	}
	if r.checks == nil {
		r.checks = checks.NewRunner(checks.DefaultThresholds(), r.logger)
	}
	if r.atlas != nil {
		r.reconciler = reconcile.New(r.atlas, r.alternate, r.logger)
	}
	return r
}

// Summary describes a finished run.
type Summary struct {
	Cells       int
	Failed      int
	Plan        PlanCounts
	Writes      WriteSummary
	BatchReport string
	Files       export.RunFiles
	Errors      map[string]string
}

// PlanCounts sizes the computed plan.
type PlanCounts struct {
	Creates    int
	Updates    int
	Deprecates int
	Unchanged  int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d cells, %d failed; plan: %d create, %d update, %d deprecate, %d unchanged; written: %d, write failures: %d",
		s.Cells, s.Failed,
		s.Plan.Creates, s.Plan.Updates, s.Plan.Deprecates, s.Plan.Unchanged,
		s.Writes.Succeeded, s.Writes.Failed)
}

// Run lists the morphologies of the bucket and processes them.
func (r *Runner) Run(ctx context.Context, s Settings) (*Summary, error) {
	if r.graph == nil || r.fetcher == nil {
		return nil, errors.New("run requires a graph client and a fetcher")
	}
	listed, err := r.graph.List(ctx, neuro.TypeNeuronMorphology, s.Limit)
	if err != nil {
		return nil, fmt.Errorf("list morphologies: %w", err)
	}
	resources, failures := r.resolve(ctx, s.workers(), listed)

	jobs := make([]job, 0, len(resources))
	for i, res := range resources {
		if failures[i] != nil {
			id := listed[i].ID()
			jobs = append(jobs, job{id: id, name: path.Base(id), morph: annotation.Morphology{ID: id}, err: failures[i]})
			continue
		}
		state := annotation.CurrentCuration(nexus.Objects(res["annotation"]))
		if !s.Curated.Keep(state) {
			continue
		}
		m := annotation.MorphologyFromResource(res)
		jobs = append(jobs, job{id: m.ID, name: cellName(m), resource: res, morph: m})
	}
	r.logger.Info("Listed morphologies", "listed", len(listed), "selected", len(jobs), "curated", string(s.Curated))

	return r.execute(ctx, s, jobs, false)
}

// resolve fetches the full body of each listed entry, since listings carry
// only their metadata. failures[i] is set when entry i could not be fetched.
func (r *Runner) resolve(ctx context.Context, workers int, listed []nexus.Resource) (full []nexus.Resource, failures []error) {
	full = make([]nexus.Resource, len(listed))
	failures = make([]error, len(listed))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, entry := range listed {
		g.Go(func() error {
			self := entry.Self()
			if self == "" {
				failures[i] = fmt.Errorf("listed entry %s has no _self", entry.ID())
				return nil
			}
			res, err := r.graph.RetrieveSelf(ctx, self)
			if err != nil {
				failures[i] = fmt.Errorf("retrieve %s: %w", entry.ID(), err)
				return nil
			}
			full[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return full, failures
}

func (s Settings) workers() int {
	if s.Workers < 1 {
		return runtime.NumCPU()
	}
	return s.Workers
}

// RunLocal processes morphology files already on disk. Only local artifacts
// are written.
func (r *Runner) RunLocal(ctx context.Context, s Settings, paths []string) (*Summary, error) {
	jobs := make([]job, 0, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		jobs = append(jobs, job{id: p, name: name, path: p, morph: annotation.Morphology{ID: p, Name: name}})
	}
	s.ReallyUpdate = false
	return r.execute(ctx, s, jobs, true)
}

func (r *Runner) execute(ctx context.Context, s Settings, jobs []job, local bool) (*Summary, error) {
	errs := NewErrorMap()
	results := make([]*CellResult, len(jobs))
	assignFiles(jobs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = r.process(gctx, s, j, local, errs)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		r.logger.Warn("Run cancelled before writing", "cells", len(jobs), "error", err)
		return r.finish(s, results, errs, WriteSummary{}, "", nil), fmt.Errorf("run cancelled: %w", err)
	}

	var plan annotation.Plan
	for _, res := range results {
		plan.Merge(res.Plan)
	}

	rows := make([]export.CellRow, 0, len(results))
	for _, res := range results {
		if res.Report != nil {
			rows = append(rows, res.row())
		}
	}
	var batchReport string
	if s.Mode.checks() {
		p, err := r.out.WriteBatchReport(rows)
		if err != nil {
			return nil, fmt.Errorf("write batch report: %w", err)
		}
		batchReport = p
	}

	var writes WriteSummary
	var written map[string][]string
	if !local {
		w := newWriter(r.graph, r.mirror, r.metrics, r.logger, !s.ReallyUpdate)
		w.apply(ctx, plan, errs)
		if s.Mode.quality() {
			if err := r.writeBatch(ctx, w, results, batchReport, errs); err != nil {
				errs.Add("batch", err)
			}
		}
		writes = w.summary
		written = w.written
	}

	for _, res := range results {
		if res.Stage == StageDiffed {
			if msg, failed := errs.Get(res.ID); failed {
				res.Stage = StageErrored
				res.FailedAt = StageWritten
				r.transition(ctx, res, StageErrored, errors.New(msg))
				continue
			}
			res.Stage = StageWritten
			r.transition(ctx, res, StageWritten, nil)
		}
	}

	sum := r.finish(s, results, errs, writes, batchReport, written)
	counts := PlanCounts{len(plan.Creates), len(plan.Updates), len(plan.Deprecates), plan.Unchanged}
	sum.Plan = counts
	if !s.ReallyUpdate {
		r.logger.Info("Dry run, graph left untouched",
			"creates", counts.Creates, "updates", counts.Updates,
			"deprecates", counts.Deprecates, "unchanged", counts.Unchanged)
	}
	return sum, nil
}

// finish writes the run maps and builds the summary.
func (r *Runner) finish(s Settings, results []*CellResult, errs *ErrorMap, writes WriteSummary, batchReport string, written map[string][]string) *Summary {
	annotations := make(map[string]any)
	feats := make(map[string]any)
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Features != nil {
			feats[res.ID] = res.Features
		}
		switch {
		case len(written[res.ID]) > 0:
			annotations[res.ID] = written[res.ID]
		case !s.ReallyUpdate && res.Plan.Len() > 0:
			annotations[res.ID] = planned(res.Plan)
		}
	}

	sum := &Summary{
		Cells:       len(results),
		Failed:      errs.Len(),
		Writes:      writes,
		BatchReport: batchReport,
		Errors:      errs.Map(),
	}
	files, err := r.out.WriteRunMaps(annotations, feats, sum.Errors)
	if err != nil {
		r.logger.Error("Failed to write run maps", "error", err)
	} else {
		sum.Files = files
	}
	return sum
}

func planned(p annotation.Plan) []map[string]any {
	var out []map[string]any
	for _, group := range [][]annotation.Op{p.Creates, p.Updates, p.Deprecates} {
		for _, op := range group {
			out = append(out, map[string]any{"op": op.Kind.String(), "kind": op.Of, "id": op.ID, "payload": op.Payload})
		}
	}
	return out
}

// writeBatch uploads the report files and writes the batch resource.
func (r *Runner) writeBatch(ctx context.Context, w *writer, results []*CellResult, batchReport string, errs *ErrorMap) error {
	var cells []annotation.Morphology
	var qualities []*annotation.QualityAnnotation
	var files []string
	for _, res := range results {
		if res.Quality == nil {
			continue
		}
		if _, failed := errs.Get(res.ID); failed {
			continue
		}
		cells = append(cells, res.Morphology)
		qualities = append(qualities, res.Quality)
		if res.Files.JSON != "" {
			files = append(files, res.Files.JSON)
		}
	}
	if len(qualities) == 0 {
		return nil
	}
	sort.Strings(files)
	if batchReport != "" {
		files = append([]string{batchReport}, files...)
	}

	downloads, err := w.upload(ctx, files)
	if err != nil {
		return err
	}
	batch, err := r.builder.Batch(r.out.BatchName(), cells, qualities, downloads)
	if err != nil {
		return err
	}
	listed, err := r.graph.List(ctx, neuro.TypeBatchQualityAnnotation, 0)
	if err != nil {
		return fmt.Errorf("list batch annotations: %w", err)
	}
	existing, failures := r.resolve(ctx, 1, listed)
	if err := errors.Join(failures...); err != nil {
		return fmt.Errorf("resolve batch annotations: %w", err)
	}
	plan, err := annotation.PlanBatch(batch, existing)
	if err != nil {
		return err
	}
	w.apply(ctx, plan, errs)
	return nil
}

// job is one cell to process.
type job struct {
	id       string
	name     string
	resource nexus.Resource
	morph    annotation.Morphology
	// path is set when the morphology file is already local.
	path string
	// file is the artifact base name, set when name is shared by other jobs.
	file string
	// err is set when the listed entry could not be fetched.
	err error
}

// assignFiles gives jobs sharing a file name distinct artifact names by
// suffixing a digest of their identifier.
func assignFiles(jobs []job) {
	count := make(map[string]int, len(jobs))
	for _, j := range jobs {
		count[artifactKey(j.name)]++
	}
	for i, j := range jobs {
		if count[artifactKey(j.name)] < 2 {
			continue
		}
		sum := sha256.Sum256([]byte(j.id))
		ext := filepath.Ext(j.name)
		jobs[i].file = strings.TrimSuffix(j.name, ext) + "_" + hex.EncodeToString(sum[:4]) + ext
	}
}

func artifactKey(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
}

// CellResult is everything computed for one cell.
type CellResult struct {
	ID             string
	Name           string
	Stage          Stage
	// FailedAt is the stage a failed cell could not enter.
	FailedAt       Stage
	Err            error
	Morphology     annotation.Morphology
	Features       *features.Result
	Report         *checks.Report
	Reconciliation *reconcile.Row
	Quality        *annotation.QualityAnnotation
	Plan           annotation.Plan
	Files          export.CellFiles

	file string
}

func (res *CellResult) row() export.CellRow {
	return export.CellRow{Cell: res.Name, File: res.file, Report: res.Report, Reconciliation: res.Reconciliation}
}

func (r *Runner) transition(ctx context.Context, res *CellResult, stage Stage, cause error) {
	if r.ledger == nil {
		return
	}
	// The ledger is informational; a cancelled run still records its state.
	if err := r.ledger.Record(context.WithoutCancel(ctx), res.ID, string(stage), cause); err != nil {
		r.ledgerWarn.Do(func() {
			r.logger.Warn("Run ledger unavailable", "error", err)
		})
	}
}
