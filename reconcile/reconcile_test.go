package reconcile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/BlueBrain/data-integration-pipelines-sub000/atlas"
)

const ontologyJSON = `{"msg": [{
  "id": 997, "name": "root", "acronym": "root", "children": [
    {"id": 8, "name": "Basic cell groups and regions", "acronym": "grey", "children": [
      {"id": 549, "name": "Thalamus", "acronym": "TH", "children": []},
      {"id": 512, "name": "Cerebellum", "acronym": "CB", "children": [
        {"id": 528, "name": "Cerebellar cortex", "acronym": "CBX", "children": []},
        {"id": 519, "name": "Cerebellar nuclei", "acronym": "CBN", "children": []}
      ]}
    ]},
    {"id": 73, "name": "ventricular systems", "acronym": "VS", "children": []}
  ]
}]}`

// testAtlas is a 3x3x3 raster with 25 μm voxels filled with 549. The centre
// voxel holds 528, its -x neighbour 519 and its +x neighbour the unknown 0.
func testAtlas(t *testing.T, name string) *atlas.Atlas {
	t.Helper()
	o, err := atlas.DecodeOntology(strings.NewReader(ontologyJSON))
	require.NoError(t, err)
	res, err := atlas.NewResolver(o, 100)
	require.NoError(t, err)
	v := &atlas.Volume{
		Shape:      [3]int{3, 3, 3},
		Directions: [3]r3.Vector{{X: 25}, {Y: 25}, {Z: 25}},
		Data:       make([]uint32, 27),
	}
	for i := range v.Data {
		v.Data[i] = 549
	}
	at := func(i, j, k int) int { return i + 3*(j+3*k) }
	v.Data[at(1, 1, 1)] = 528
	v.Data[at(0, 1, 1)] = 519
	v.Data[at(2, 1, 1)] = 0
	a, err := atlas.New(name, v, res, nil)
	require.NoError(t, err)
	return a
}

func TestClassify(t *testing.T) {
	res := testAtlas(t, "primary").Resolver()

	tests := []struct {
		name      string
		observed  int64
		reference int64
		label     string
		want      string
		agrees    bool
	}{
		{"same region", 528, 528, "Cerebellar cortex", "same", true},
		{"observed inside reference", 528, 512, "Cerebellum", "descendant", true},
		{"observed contains reference", 512, 519, "Cerebellar nuclei", "ancestor", true},
		{"siblings not allowed", 528, 519, "Cerebellar nuclei", "common ancestor: Cerebellum", false},
		{"siblings allowed for barrel field", 528, 519, "Primary somatosensory area, barrel field", "sibling", true},
		{"siblings allowed for layer 2/3", 528, 519, "Somatomotor areas, Layer 2/3", "sibling", true},
		{"distant regions", 549, 528, "Cerebellar cortex", "common ancestor: Basic cell groups and regions", false},
		{"unknown observed", 4242, 528, "Cerebellar cortex", "unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel := Classify(res, tt.observed, tt.reference, tt.label)
			assert.Equal(t, tt.want, rel.String())
			assert.Equal(t, tt.agrees, rel.Agrees())
		})
	}
}

func TestReconcileDeclaredRegion(t *testing.T) {
	r := New(testAtlas(t, "primary"), nil, nil)

	row, err := r.Reconcile(Cell{
		Name:          "cell_a",
		Soma:          r3.Vector{X: 25, Y: 25, Z: 25},
		HasSoma:       true,
		Declared:      512,
		DeclaredLabel: "Cerebellum",
	}, nil)
	require.NoError(t, err)

	c, ok := row.Get(SourceSWC, RefDeclared)
	require.True(t, ok)
	assert.True(t, c.Available)
	assert.Equal(t, atlas.InsideKnown, c.Outcome)
	assert.Equal(t, int64(528), c.Observed)
	assert.True(t, c.Agrees())
	assert.Equal(t, "descendant", c.Relation.String())

	// No metadata coordinates, no original brain label, no alternate atlas.
	for _, key := range [][2]string{
		{SourceMetadata, RefDeclared},
		{SourceSWC, RefOriginalBrain},
		{SourceSWC, RefAlternateAtlas},
	} {
		c, ok := row.Get(key[0], key[1])
		require.True(t, ok)
		assert.False(t, c.Available, "%s/%s", key[0], key[1])
	}

	assert.Equal(t, []int64{519, 549}, row.NeighbourRegions)
	assert.True(t, row.NeighbourAgrees)
}

func TestReconcileWithMetadata(t *testing.T) {
	r := New(testAtlas(t, "primary"), testAtlas(t, "alternate"), nil)
	coords := r3.Vector{X: 0, Y: 25, Z: 25}

	row, err := r.Reconcile(Cell{
		Name:          "cell_b",
		Soma:          r3.Vector{X: 25, Y: 25, Z: 25},
		HasSoma:       true,
		Declared:      528,
		DeclaredLabel: "Cerebellar cortex",
		Coordinates:   &coords,
	}, &MetadataRow{
		Cell:             "cell_b",
		OriginalBrain:    "CBN",
		AlternateAtlas:   "Cerebellum",
		ManualCorrection: true,
	})
	require.NoError(t, err)
	assert.True(t, row.ManualCorrection)

	c, _ := row.Get(SourceSWC, RefOriginalBrain)
	assert.Equal(t, int64(519), c.Expected)
	assert.False(t, c.Agrees())
	assert.Equal(t, "common ancestor: Cerebellum", c.Relation.String())

	c, _ = row.Get(SourceMetadata, RefDeclared)
	assert.Equal(t, int64(519), c.Observed)
	assert.False(t, c.Agrees())

	c, _ = row.Get(SourceSWC, RefAlternateAtlas)
	assert.True(t, c.Available)
	assert.Equal(t, int64(512), c.Expected)
	assert.True(t, c.Agrees())

	assert.False(t, row.NeighbourAgrees)
}

func TestReconcileOutsideAndUnknown(t *testing.T) {
	r := New(testAtlas(t, "primary"), nil, nil)
	coords := r3.Vector{X: 50, Y: 25, Z: 25}

	row, err := r.Reconcile(Cell{
		Name:        "cell_c",
		Soma:        r3.Vector{X: 500, Y: 25, Z: 25},
		HasSoma:     true,
		Declared:    528,
		Coordinates: &coords,
	}, nil)
	require.NoError(t, err)

	c, _ := row.Get(SourceSWC, RefDeclared)
	assert.Equal(t, atlas.Outside, c.Outcome)
	assert.False(t, c.Agrees())

	c, _ = row.Get(SourceMetadata, RefDeclared)
	assert.Equal(t, atlas.InsideUnknown, c.Outcome)
	assert.False(t, c.Agrees())
	assert.Equal(t, "unknown", c.Relation.String())

	assert.Empty(t, row.NeighbourRegions)
}

func TestRowValues(t *testing.T) {
	r := New(testAtlas(t, "primary"), nil, nil)
	row, err := r.Reconcile(Cell{
		Name:     "cell_d",
		Soma:     r3.Vector{X: 25, Y: 25, Z: 25},
		HasSoma:  true,
		Declared: 512,
	}, nil)
	require.NoError(t, err)

	header, values := Header(), row.Values()
	require.Len(t, values, len(header))
	assert.Equal(t, "cell_d", values[0])
	assert.Equal(t, []string{"528", "true", "descendant"}, values[1:4])
	assert.Equal(t, []string{"519,549", "true", "false"}, values[len(values)-3:])
}

func TestReadMetadata(t *testing.T) {
	in := "Cell name,Region,Layer,Region from original brain,Region in alternate atlas 2017,Manual soma region corrected\n" +
		"cell_a.swc,CB,,CBX,CB,yes\n" +
		"cell_b,TH,L5,,,\n" +
		",ignored,,,,\n"
	md, err := ReadMetadata(strings.NewReader(in), ',')
	require.NoError(t, err)
	assert.Equal(t, 2, md.Len())

	row, ok := md.Lookup("cell_a.asc")
	require.True(t, ok)
	assert.Equal(t, "CBX", row.OriginalBrain)
	assert.Equal(t, "CB", row.AlternateAtlas)
	assert.True(t, row.ManualCorrection)

	row, ok = md.Lookup("cell_b")
	require.True(t, ok)
	assert.Equal(t, "L5", row.Layer)
	assert.False(t, row.ManualCorrection)

	_, ok = md.Lookup("missing")
	assert.False(t, ok)
}

func TestReadMetadataTSV(t *testing.T) {
	md, err := ReadMetadata(strings.NewReader("cell name\tregion\ncell_x\tCB\n"), '\t')
	require.NoError(t, err)
	row, ok := md.Lookup("cell_x")
	require.True(t, ok)
	assert.Equal(t, "CB", row.Region)
}

func TestReadMetadataMissingCellColumn(t *testing.T) {
	_, err := ReadMetadata(strings.NewReader("Region\nCB\n"), ',')
	assert.ErrorIs(t, err, errNoCellColumn)
}

func writeWorkbook(t *testing.T, path string, sheets map[string][][]any) {
	t.Helper()
	wb := excelize.NewFile()
	defer wb.Close()
	first := true
	for name, rows := range sheets {
		if first {
			require.NoError(t, wb.SetSheetName("Sheet1", name))
			first = false
		} else {
			_, err := wb.NewSheet(name)
			require.NoError(t, err)
		}
		for i, row := range rows {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			require.NoError(t, err)
			require.NoError(t, wb.SetSheetRow(name, cell, &row))
		}
	}
	require.NoError(t, wb.SaveAs(path))
}

func TestLoadMetadataWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.xlsx")
	writeWorkbook(t, path, map[string][][]any{
		"Cells": {
			{"Cell name", "Region", "Layer", "Region in alternate atlas 2017", "Manual soma region corrected"},
			{"cell_a.swc", "CB", "", "CBX", "x"},
			{"cell_b", "TH", "L5"},
		},
	})

	md, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, 2, md.Len())

	row, ok := md.Lookup("cell_a")
	require.True(t, ok)
	assert.Equal(t, "CB", row.Region)
	assert.Equal(t, "CBX", row.AlternateAtlas)
	assert.True(t, row.ManualCorrection)

	row, ok = md.Lookup("cell_b.swc")
	require.True(t, ok)
	assert.Equal(t, "L5", row.Layer)
	assert.False(t, row.ManualCorrection)
}

func TestLoadMetadataWorkbookWithoutCellColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.xlsx")
	writeWorkbook(t, path, map[string][][]any{"Notes": {{"Region"}, {"CB"}}})

	_, err := LoadMetadata(path)
	assert.ErrorIs(t, err, errNoCellColumn)
}

func TestLoadMetadataDelimited(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "metadata.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("Cell name,Region\ncell_c,CB\n"), 0o644))
	tsvPath := filepath.Join(dir, "metadata.tsv")
	require.NoError(t, os.WriteFile(tsvPath, []byte("Cell name\tRegion\ncell_c\tTH\n"), 0o644))

	for path, want := range map[string]string{csvPath: "CB", tsvPath: "TH"} {
		md, err := LoadMetadata(path)
		require.NoError(t, err)
		row, ok := md.Lookup("cell_c")
		require.True(t, ok)
		assert.Equal(t, want, row.Region)
	}
}
