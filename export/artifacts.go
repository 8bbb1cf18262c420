// Package export writes the local artifacts of a run: per-cell JSON and TSV
// reports, the batch TSV and the run-level JSON maps.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BlueBrain/data-integration-pipelines-sub000/checks"
	"github.com/BlueBrain/data-integration-pipelines-sub000/reconcile"
)

// ReconciliationKey holds the region comparison inside a per-cell JSON.
const ReconciliationKey = "region_reconciliation"

// CellRow is the report of one cell.
type CellRow struct {
	// Cell is the morphology file name.
	Cell string
	// File overrides the artifact base name; Cell is used when empty.
	File   string
	Report *checks.Report
	// Reconciliation is nil when the region comparison did not run.
	Reconciliation *reconcile.Row
}

// CellFiles are the artifacts written for a cell.
type CellFiles struct {
	JSON string
	TSV  string
}

// RunFiles are the run-level artifacts.
type RunFiles struct {
	Annotations string
	Features    string
	Log         string
}

// Writer writes artifacts under an output directory.
type Writer struct {
	dir     string
	org     string
	project string
	sparse  bool
	logger  *slog.Logger
}

// NewWriter creates a writer for the bucket org/project. sparse blanks the
// TSV cells of passing checks.
func NewWriter(dir, org, project string, sparse bool, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, org: org, project: project, sparse: sparse, logger: logger}
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

var fileUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (w *Writer) suffix() string {
	return fileUnsafe.ReplaceAllString(w.org+"_"+w.project, "_")
}

// BatchName is the base name of the batch report, also used to match the
// batch resource across runs.
func (w *Writer) BatchName() string {
	return "batch_report_" + w.suffix()
}

// Header returns the TSV columns of row: the cell file name, each check
// label, then the reconciliation columns.
func Header(row CellRow) []string {
	cols := []string{"cell"}
	cols = append(cols, row.Report.Header()...)
	return append(cols, reconcile.Header()[1:]...)
}

// Values renders row in Header order.
func (w *Writer) Values(row CellRow) []string {
	vals := []string{row.Cell}
	vals = append(vals, row.Report.Row(w.sparse)...)
	if row.Reconciliation == nil {
		return append(vals, make([]string, len(reconcile.Header())-1)...)
	}
	return append(vals, row.Reconciliation.Values()[1:]...)
}

// CellJSON is the check report of row with the reconciliation fields.
func CellJSON(row CellRow) map[string]any {
	out := row.Report.JSON()
	if row.Reconciliation == nil {
		return out
	}
	header := reconcile.Header()
	values := row.Reconciliation.Values()
	rec := make(map[string]any, len(header)-1)
	for i := 1; i < len(header); i++ {
		rec[header[i]] = values[i]
	}
	out[ReconciliationKey] = rec
	return out
}

// WriteCell writes json/<cell>.json and tsv/<cell>.tsv.
func (w *Writer) WriteCell(row CellRow) (CellFiles, error) {
	name := row.File
	if name == "" {
		name = row.Cell
	}
	base := fileUnsafe.ReplaceAllString(strings.TrimSuffix(name, filepath.Ext(name)), "_")

	data, err := json.MarshalIndent(CellJSON(row), "", "  ")
	if err != nil {
		return CellFiles{}, fmt.Errorf("marshal %s report: %w", row.Cell, err)
	}
	files := CellFiles{
		JSON: w.path(FormatJSON, base),
		TSV:  w.path(FormatTSV, base),
	}
	if err := writeAtomic(files.JSON, data); err != nil {
		return CellFiles{}, err
	}

	tsv, err := w.tsv(Header(row), [][]string{w.Values(row)})
	if err != nil {
		return CellFiles{}, fmt.Errorf("render %s report: %w", row.Cell, err)
	}
	if err := writeAtomic(files.TSV, tsv); err != nil {
		return CellFiles{}, err
	}
	return files, nil
}

func (w *Writer) path(f Format, base string) string {
	info := FormatRegistry[f]
	return filepath.Join(w.dir, info.Dir, base+info.Extension)
}

// WriteBatchReport writes all rows under one header, sorted by cell.
func (w *Writer) WriteBatchReport(rows []CellRow) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	sorted := append([]CellRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Cell < sorted[j].Cell })

	records := make([][]string, 0, len(sorted))
	for _, r := range sorted {
		records = append(records, w.Values(r))
	}
	data, err := w.tsv(Header(sorted[0]), records)
	if err != nil {
		return "", fmt.Errorf("render batch report: %w", err)
	}
	p := filepath.Join(w.dir, w.BatchName()+FormatRegistry[FormatTSV].Extension)
	if err := writeAtomic(p, data); err != nil {
		return "", err
	}
	w.logger.Info("Wrote batch report", "path", p, "cells", len(sorted))
	return p, nil
}

func (w *Writer) tsv(header []string, records [][]string) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Comma = '\t'

	hdr := append([]string(nil), header...)
	hdr[0] = "# " + hdr[0]
	if err := cw.Write(hdr); err != nil {
		return nil, err
	}
	if err := cw.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteRunMaps writes annotations_, features_ and log_<org>_<project>.json.
func (w *Writer) WriteRunMaps(annotations, features map[string]any, log map[string]string) (RunFiles, error) {
	if log == nil {
		log = map[string]string{}
	}
	files := RunFiles{
		Annotations: filepath.Join(w.dir, "annotations_"+w.suffix()+".json"),
		Features:    filepath.Join(w.dir, "features_"+w.suffix()+".json"),
		Log:         filepath.Join(w.dir, "log_"+w.suffix()+".json"),
	}
	for _, f := range []struct {
		path string
		v    any
	}{
		{files.Annotations, nonNil(annotations)},
		{files.Features, nonNil(features)},
		{files.Log, log},
	} {
		data, err := json.MarshalIndent(f.v, "", "  ")
		if err != nil {
			return RunFiles{}, fmt.Errorf("marshal %s: %w", filepath.Base(f.path), err)
		}
		if err := writeAtomic(f.path, data); err != nil {
			return RunFiles{}, err
		}
	}
	return files, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// writeAtomic writes data next to path then renames it into place, so that a
// cancelled run never leaves a half-written artifact.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
