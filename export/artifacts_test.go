package export_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BlueBrain/data-integration-pipelines-sub000/checks"
	"github.com/BlueBrain/data-integration-pipelines-sub000/export"
	"github.com/BlueBrain/data-integration-pipelines-sub000/reconcile"
)

func report(t *testing.T, axon bool) *checks.Report {
	t.Helper()
	loadable, ok := checks.Lookup(checks.Loadable)
	if !ok {
		t.Fatal("loadable check missing")
	}
	hasAxon, ok := checks.Lookup(checks.HasAxon)
	if !ok {
		t.Fatal("has_axon check missing")
	}
	return &checks.Report{Results: []checks.Result{
		{Check: loadable, Passed: true},
		{Check: hasAxon, Passed: axon},
	}}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestWriteCell(t *testing.T) {
	dir := t.TempDir()
	w := export.NewWriter(dir, "bbp", "mouselight", false, nil)
	row := export.CellRow{
		Cell:           "AA0001.swc",
		Report:         report(t, false),
		Reconciliation: &reconcile.Row{Cell: "AA0001.swc", NeighbourRegions: []int64{519, 549}, NeighbourAgrees: true},
	}

	files, err := w.WriteCell(row)
	if err != nil {
		t.Fatalf("WriteCell failed: %v", err)
	}
	if want := filepath.Join(dir, "json", "AA0001.json"); files.JSON != want {
		t.Errorf("JSON path = %s, want %s", files.JSON, want)
	}
	if want := filepath.Join(dir, "tsv", "AA0001.tsv"); files.TSV != want {
		t.Errorf("TSV path = %s, want %s", files.TSV, want)
	}

	lines := readLines(t, files.TSV)
	if len(lines) != 2 {
		t.Fatalf("TSV has %d lines, want 2", len(lines))
	}
	header := strings.Split(lines[0], "\t")
	if header[0] != "# cell" || header[1] != "Can be loaded" || header[2] != "Has axon" {
		t.Errorf("unexpected header prefix: %v", header[:3])
	}
	values := strings.Split(lines[1], "\t")
	if len(values) != len(header) {
		t.Fatalf("row has %d columns, header %d", len(values), len(header))
	}
	if values[0] != "AA0001.swc" || values[1] != "True" || values[2] != "False" {
		t.Errorf("unexpected values prefix: %v", values[:3])
	}
	if got := values[len(values)-3]; got != "519,549" {
		t.Errorf("neighbour_regions = %q", got)
	}

	data, err := os.ReadFile(files.JSON)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	axon, ok := doc[checks.HasAxon].(map[string]any)
	if !ok || axon["status"] != false {
		t.Errorf("has_axon = %v", doc[checks.HasAxon])
	}
	rec, ok := doc[export.ReconciliationKey].(map[string]any)
	if !ok {
		t.Fatalf("missing %s", export.ReconciliationKey)
	}
	if rec["neighbour_agrees"] != "true" {
		t.Errorf("neighbour_agrees = %v", rec["neighbour_agrees"])
	}
}

func TestWriteCellWithoutReconciliation(t *testing.T) {
	w := export.NewWriter(t.TempDir(), "bbp", "mouselight", true, nil)
	row := export.CellRow{Cell: "c1.swc", Report: report(t, true)}

	files, err := w.WriteCell(row)
	if err != nil {
		t.Fatalf("WriteCell failed: %v", err)
	}
	lines := readLines(t, files.TSV)
	header := strings.Split(lines[0], "\t")
	values := strings.Split(lines[1], "\t")
	if len(values) != len(header) {
		t.Errorf("row has %d columns, header %d", len(values), len(header))
	}
	// Sparse mode blanks passing checks.
	if values[1] != "" || values[2] != "" {
		t.Errorf("sparse values = %v", values[:3])
	}
}

func TestWriteCellFileName(t *testing.T) {
	tests := []struct {
		name string
		row  export.CellRow
		want string
	}{
		{"cell name", export.CellRow{Cell: "c1.swc"}, "c1.json"},
		{"file override", export.CellRow{Cell: "c1.swc", File: "c1_0a1b2c3d.swc"}, "c1_0a1b2c3d.json"},
		{"unsafe override", export.CellRow{Cell: "c1.swc", File: "lab 1/c1"}, "lab_1_c1.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := export.NewWriter(t.TempDir(), "bbp", "mouselight", false, nil)
			tt.row.Report = report(t, true)
			files, err := w.WriteCell(tt.row)
			if err != nil {
				t.Fatalf("WriteCell failed: %v", err)
			}
			if got := filepath.Base(files.JSON); got != tt.want {
				t.Errorf("json file = %s, want %s", got, tt.want)
			}
			lines := readLines(t, files.TSV)
			if !strings.HasPrefix(lines[1], "c1.swc\t") {
				t.Errorf("tsv row = %q", lines[1])
			}
		})
	}
}

func TestWriteBatchReportSorted(t *testing.T) {
	dir := t.TempDir()
	w := export.NewWriter(dir, "bbp", "mouse light", false, nil)
	rows := []export.CellRow{
		{Cell: "zeta.swc", Report: report(t, true)},
		{Cell: "alpha.swc", Report: report(t, false)},
	}

	path, err := w.WriteBatchReport(rows)
	if err != nil {
		t.Fatalf("WriteBatchReport failed: %v", err)
	}
	if filepath.Base(path) != "batch_report_bbp_mouse_light.tsv" {
		t.Errorf("batch path = %s", path)
	}
	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("batch has %d lines, want 3", len(lines))
	}
	if !strings.HasPrefix(lines[0], "# cell\t") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "alpha.swc\t") || !strings.HasPrefix(lines[2], "zeta.swc\t") {
		t.Errorf("rows not sorted: %q, %q", lines[1], lines[2])
	}
}

func TestWriteBatchReportEmpty(t *testing.T) {
	w := export.NewWriter(t.TempDir(), "o", "p", false, nil)
	path, err := w.WriteBatchReport(nil)
	if err != nil || path != "" {
		t.Errorf("WriteBatchReport(nil) = %q, %v", path, err)
	}
}

func TestWriteRunMaps(t *testing.T) {
	dir := t.TempDir()
	w := export.NewWriter(dir, "bbp", "mouselight", false, nil)
	files, err := w.WriteRunMaps(
		map[string]any{"c1": []string{"https://x/1"}},
		nil,
		map[string]string{"c2": "loaded: bad line"},
	)
	if err != nil {
		t.Fatalf("WriteRunMaps failed: %v", err)
	}

	tests := []struct {
		path string
		name string
		want string
	}{
		{files.Annotations, "annotations_bbp_mouselight.json", "https://x/1"},
		{files.Features, "features_bbp_mouselight.json", "{}"},
		{files.Log, "log_bbp_mouselight.json", "loaded: bad line"},
	}
	for _, tt := range tests {
		if filepath.Base(tt.path) != tt.name {
			t.Errorf("path = %s, want %s", tt.path, tt.name)
		}
		data, err := os.ReadFile(tt.path)
		if err != nil {
			t.Fatalf("read %s: %v", tt.name, err)
		}
		if !strings.Contains(string(data), tt.want) {
			t.Errorf("%s = %s, want it to contain %q", tt.name, data, tt.want)
		}
	}
}

func TestGetFormatInfo(t *testing.T) {
	info, ok := export.GetFormatInfo(export.FormatTSV)
	if !ok || info.MIMEType != "text/tab-separated-values" || info.Dir != "tsv" {
		t.Errorf("GetFormatInfo(tsv) = %+v, %v", info, ok)
	}
	if _, ok := export.GetFormatInfo("turtle"); ok {
		t.Error("unexpected format turtle")
	}
}
