package pipeline

import (
	"context"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/geo/r3"

	"github.com/BlueBrain/data-integration-pipelines-sub000/annotation"
	"github.com/BlueBrain/data-integration-pipelines-sub000/atlas"
	"github.com/BlueBrain/data-integration-pipelines-sub000/morphology"
	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
	"github.com/BlueBrain/data-integration-pipelines-sub000/reconcile"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// process runs one cell up to Diffed. Failures are recorded in errs and never
// returned: other cells proceed.
func (r *Runner) process(ctx context.Context, s Settings, j job, local bool, errs *ErrorMap) *CellResult {
	res := &CellResult{ID: j.id, Name: j.name, Morphology: j.morph, Stage: StageFetched, file: j.file}
	if res.file == "" {
		res.file = j.name
	}
	if j.err != nil {
		r.fail(ctx, res, errs, StageFetched, j.err)
		return res
	}
	r.transition(ctx, res, StageFetched, nil)

	var (
		file       = j.path
		m          *morphology.Morphology
		traversals []atlas.Traversal
	)

	ok := r.step(ctx, res, errs, StageDownloaded, func() error {
		if file != "" {
			return nil
		}
		p, err := r.fetcher.Fetch(ctx, j.id, j.resource.Distributions())
		if err != nil {
			return err
		}
		file = p
		res.Name = filepath.Base(p)
		return nil
	}) && r.step(ctx, res, errs, StageLoaded, func() error {
		var err error
		m, err = morphology.ParseFile(file)
		if err != nil && s.Mode.checks() {
			res.Report = r.checks.Unloadable(err)
			r.writeCell(res)
		}
		return err
	}) && r.step(ctx, res, errs, StageFeaturesComputed, func() error {
		if !s.Mode.features() {
			return nil
		}
		fr, err := r.features.Compute(m)
		if err != nil {
			return err
		}
		for _, fe := range fr.Errors {
			r.logger.Warn("Feature failed", "cell", j.id, "error", fe)
		}
		res.Features = fr
		if r.atlas != nil {
			traversals, err = r.atlas.Traverse(m)
			if err != nil {
				r.logger.Warn("Region traversal skipped", "cell", j.id, "error", err)
				traversals = nil
			}
		}
		return nil
	}) && r.step(ctx, res, errs, StageChecksComputed, func() error {
		if s.Mode.checks() {
			res.Report = r.checks.Run(m)
		}
		return nil
	}) && r.step(ctx, res, errs, StageReconciled, func() error {
		if s.Mode.quality() && r.reconciler != nil {
			res.Reconciliation = r.reconcile(j, res.Name, m)
		}
		if res.Report == nil {
			return nil
		}
		return r.writeCell(res)
	}) && r.step(ctx, res, errs, StageDiffed, func() error {
		if local {
			return nil
		}
		return r.diff(ctx, s, j, res, traversals)
	})

	checksMissing := res.FailedAt == StageChecksComputed || res.FailedAt.Before(StageChecksComputed)
	if !ok && checksMissing && s.DefaultAnnotation && s.Mode.curation() && !local {
		r.planDefaultCuration(j, res)
	}
	return res
}

// step runs one stage transition. It stops at the boundary when ctx is done.
func (r *Runner) step(ctx context.Context, res *CellResult, errs *ErrorMap, stage Stage, fn func() error) bool {
	if err := ctx.Err(); err != nil {
		r.fail(ctx, res, errs, stage, err)
		return false
	}
	start := time.Now()
	err := fn()
	r.metrics.observeStage(stage, start, err)
	if err != nil {
		r.fail(ctx, res, errs, stage, err)
		return false
	}
	res.Stage = stage
	r.transition(ctx, res, stage, nil)
	return true
}

func (r *Runner) fail(ctx context.Context, res *CellResult, errs *ErrorMap, stage Stage, err error) {
	se := &StageError{Cell: res.ID, Stage: stage, Err: err}
	res.Err = se
	res.Stage = StageErrored
	res.FailedAt = stage
	errs.Add(res.ID, se)
	r.logger.Warn("Cell failed", "cell", res.ID, "stage", string(stage), "error", err)
	r.transition(ctx, res, StageErrored, se)
}

func (r *Runner) writeCell(res *CellResult) error {
	files, err := r.out.WriteCell(res.row())
	if err != nil {
		return err
	}
	res.Files = files
	return nil
}

// planDefaultCuration marks a cell whose checks could not be computed as
// Unassessed, unless it already carries a curation.
func (r *Runner) planDefaultCuration(j job, res *CellResult) {
	if j.resource == nil || annotation.CurrentCuration(nexus.Objects(j.resource["annotation"])) != "" {
		return
	}
	p, err := annotation.PlanCuration(j.id, annotation.DefaultCuration(), j.resource)
	if err != nil {
		r.logger.Warn("Default curation skipped", "cell", j.id, "error", err)
		return
	}
	res.Plan.Merge(p)
}

// diff builds the cell's annotations and plans them against the graph. The
// cell's plan is only set when every part could be planned.
func (r *Runner) diff(ctx context.Context, s Settings, j job, res *CellResult, traversals []atlas.Traversal) error {
	var plan annotation.Plan
	var quality *annotation.QualityAnnotation

	if s.Mode.features() && res.Features != nil {
		computed, err := r.builder.Features(j.morph, res.Features, traversals)
		if err != nil {
			return err
		}
		existing, err := r.graph.SearchAnnotations(ctx, j.id, neuro.TypeFeatureAnnotation)
		if err != nil {
			return err
		}
		p, err := annotation.PlanFeatures(j.id, computed, existing)
		if err != nil {
			return err
		}
		plan.Merge(p)
	}

	if s.Mode.quality() && res.Report != nil {
		q, err := r.builder.Quality(j.morph, res.Report, res.Reconciliation)
		if err != nil {
			return err
		}
		existing, err := r.graph.SearchAnnotations(ctx, j.id, neuro.TypeQualityAnnotation)
		if err != nil {
			return err
		}
		p, err := annotation.PlanQuality(j.id, q, existing)
		if err != nil {
			return err
		}
		quality = q
		plan.Merge(p)
	}

	if s.Mode.curation() && res.Report != nil {
		p, err := annotation.PlanCuration(j.id, annotation.Curation(res.Report), j.resource)
		if err != nil {
			return err
		}
		plan.Merge(p)
	}

	res.Plan = plan
	res.Quality = quality
	return nil
}

// reconcile compares the soma position with the declared regions. An atlas
// failure leaves the cell without a comparison but does not fail it.
func (r *Runner) reconcile(j job, name string, m *morphology.Morphology) *reconcile.Row {
	soma := m.Soma()
	cell := reconcile.Cell{
		Name:    name,
		Soma:    soma.Center,
		HasSoma: len(soma.Points) > 0,
	}
	if ref, ok := j.morph.DeclaredRegion(); ok {
		cell.DeclaredLabel = ref.Label
		if id, ok := regionID(ref, r.atlas.Ontology()); ok {
			cell.Declared = id
		}
	}
	if x, y, z, ok := j.morph.Coordinates(); ok {
		cell.Coordinates = &r3.Vector{X: x, Y: y, Z: z}
	}

	var row *reconcile.MetadataRow
	if r.metadata != nil {
		if mr, ok := r.metadata.Lookup(name); ok {
			row = &mr
		}
	}

	rec, err := r.reconciler.Reconcile(cell, row)
	if err != nil {
		r.logger.Warn("Region lookup aborted", "cell", j.id, "error", err)
		return nil
	}
	return rec
}

// regionID extracts the numeric region of a reference such as
// "http://api.brain-map.org/api/v2/data/Structure/512" or "mba:512", falling
// back to the ontology label.
func regionID(ref annotation.Ref, o *atlas.Ontology) (int64, bool) {
	id := ref.ID
	if i := strings.LastIndexAny(id, "/:#"); i >= 0 {
		id = id[i+1:]
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n, true
	}
	if ref.Label != "" {
		if region, err := o.Lookup(ref.Label); err == nil {
			return region.ID, true
		}
	}
	return 0, false
}

// cellName is the file-system name of a listed morphology.
func cellName(m annotation.Morphology) string {
	if m.Name != "" {
		return m.Name
	}
	return path.Base(m.ID)
}
