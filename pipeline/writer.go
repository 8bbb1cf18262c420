package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BlueBrain/data-integration-pipelines-sub000/annotation"
	"github.com/BlueBrain/data-integration-pipelines-sub000/export"
	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
)

// batchKey is the error-map and written-map key of run-level writes.
const batchKey = "batch"

// WriteSummary counts graph writes.
type WriteSummary struct {
	Created    int
	Updated    int
	Deprecated int
	Uploaded   int
	Succeeded  int
	Failed     int
}

// writer is the single graph writer of a run. Creates, updates and
// deprecations are issued as separate batches so that a failure in one is
// reported without hiding the others.
type writer struct {
	graph   Graph
	mirror  Mirror
	metrics *Metrics
	logger  *slog.Logger
	dryRun  bool

	summary WriteSummary
	written map[string][]string
}

func newWriter(g Graph, mirror Mirror, metrics *Metrics, logger *slog.Logger, dryRun bool) *writer {
	return &writer{
		graph:   g,
		mirror:  mirror,
		metrics: metrics,
		logger:  logger,
		dryRun:  dryRun,
		written: make(map[string][]string),
	}
}

func (w *writer) apply(ctx context.Context, plan annotation.Plan, errs *ErrorMap) {
	batches := []struct {
		op  annotation.OpKind
		ops []annotation.Op
	}{
		{annotation.OpCreate, plan.Creates},
		{annotation.OpUpdate, plan.Updates},
		{annotation.OpDeprecate, plan.Deprecates},
	}
	for _, b := range batches {
		if len(b.ops) == 0 {
			continue
		}
		if w.dryRun {
			w.logger.Info("Planned writes", "op", b.op.String(), "count", len(b.ops))
			continue
		}
		w.logger.Info("Writing batch", "op", b.op.String(), "count", len(b.ops))
		for _, op := range b.ops {
			w.write(ctx, op, errs)
		}
	}
}

func (w *writer) write(ctx context.Context, op annotation.Op, errs *ErrorMap) {
	key := op.Cell
	if key == "" {
		key = batchKey
	}
	if err := ctx.Err(); err != nil {
		w.summary.Failed++
		errs.Add(key, &StageError{Cell: key, Stage: StageWritten, Err: err})
		return
	}

	res, err := w.do(ctx, op)
	w.metrics.observeWrite(op.Kind.String(), err)
	if err != nil {
		w.summary.Failed++
		errs.Add(key, &StageError{Cell: key, Stage: StageWritten, Err: fmt.Errorf("%s %s annotation: %w", op.Kind, op.Of, err)})
		w.logger.Warn("Graph write failed", "cell", key, "op", op.Kind.String(), "kind", op.Of, "error", err)
		return
	}

	w.summary.Succeeded++
	switch op.Kind {
	case annotation.OpCreate:
		w.summary.Created++
	case annotation.OpUpdate:
		w.summary.Updated++
	default:
		w.summary.Deprecated++
	}
	id := res.ID()
	if id == "" {
		id = op.ID
	}
	w.written[key] = append(w.written[key], id)

	if w.mirror != nil {
		if err := w.mirror.Publish(ctx, op); err != nil {
			w.logger.Debug("Annotation mirror failed", "cell", key, "error", err)
		}
	}
}

func (w *writer) do(ctx context.Context, op annotation.Op) (nexus.Resource, error) {
	switch op.Kind {
	case annotation.OpCreate:
		return w.graph.Create(ctx, op.Payload, op.Schema)
	case annotation.OpUpdate:
		return w.graph.Update(ctx, op.ID, op.Rev, op.Payload, op.Schema)
	default:
		return w.graph.Deprecate(ctx, op.ID, op.Rev)
	}
}

// upload attaches local files through the graph file API. A dry run refers
// to the local paths instead.
func (w *writer) upload(ctx context.Context, paths []string) ([]annotation.DataDownload, error) {
	out := make([]annotation.DataDownload, 0, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		format := formatOf(p)
		if w.dryRun {
			abs, err := filepath.Abs(p)
			if err != nil {
				abs = p
			}
			out = append(out, annotation.DataDownload{Type: "DataDownload", Name: name, EncodingFormat: format, ContentURL: "file://" + abs})
			continue
		}

		res, err := w.uploadFile(ctx, p, name, format)
		w.metrics.observeWrite("upload", err)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		w.summary.Uploaded++
		url := res.Self()
		if url == "" {
			url = res.ID()
		}
		out = append(out, annotation.DataDownload{Type: "DataDownload", Name: name, EncodingFormat: format, ContentURL: url})
	}
	return out, nil
}

func (w *writer) uploadFile(ctx context.Context, path, name, format string) (nexus.Resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return w.graph.Upload(ctx, name, format, f)
}

func formatOf(path string) string {
	ext := filepath.Ext(path)
	for _, info := range export.FormatRegistry {
		if info.Extension == ext {
			return info.MIMEType
		}
	}
	return "application/octet-stream"
}
