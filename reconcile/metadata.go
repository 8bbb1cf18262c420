package reconcile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Metadata column headers.
const (
	ColumnCell             = "Cell name"
	ColumnRegion           = "Region"
	ColumnLayer            = "Layer"
	ColumnOriginalBrain    = "Region from original brain"
	ColumnAlternateAtlas   = "Region in alternate atlas 2017"
	ColumnManualCorrection = "Manual soma region corrected"
)

// MetadataRow is one externally curated row for a cell.
type MetadataRow struct {
	Cell             string
	Region           string
	Layer            string
	OriginalBrain    string
	AlternateAtlas   string
	ManualCorrection bool
}

// Metadata is the external metadata table keyed by cell name.
type Metadata struct {
	rows map[string]MetadataRow
}

// LoadMetadata reads the metadata workbook. .xlsx and .xlsm files are read
// directly; .csv, .tsv and .txt are taken as delimited exports.
func LoadMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return ReadWorkbook(f)
	case ".tsv", ".txt":
		return ReadMetadata(f, '\t')
	}
	return ReadMetadata(f, ',')
}

// ReadWorkbook parses the first sheet of a workbook that has a cell name
// column.
func ReadWorkbook(r io.Reader) (*Metadata, error) {
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open metadata workbook: %w", err)
	}
	defer wb.Close()

	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read metadata sheet %s: %w", sheet, err)
		}
		md, err := fromRows(rows)
		if errors.Is(err, errNoCellColumn) {
			continue
		}
		return md, err
	}
	return nil, fmt.Errorf("read metadata workbook: %w", errNoCellColumn)
}

// ReadMetadata parses a delimited table with a header row. Only the cell
// name column is required.
func ReadMetadata(r io.Reader, comma rune) (*Metadata, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read metadata header: %w", io.EOF)
	}
	md, err := fromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return md, nil
}

var errNoCellColumn = fmt.Errorf("missing %q column", ColumnCell)

// fromRows builds the table from a header row followed by data rows.
func fromRows(rows [][]string) (*Metadata, error) {
	if len(rows) == 0 {
		return nil, errNoCellColumn
	}
	cols := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	cellCol, ok := cols[strings.ToLower(ColumnCell)]
	if !ok {
		return nil, errNoCellColumn
	}
	get := func(rec []string, name string) string {
		i, ok := cols[strings.ToLower(name)]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	md := &Metadata{rows: make(map[string]MetadataRow)}
	for _, rec := range rows[1:] {
		if cellCol >= len(rec) || strings.TrimSpace(rec[cellCol]) == "" {
			continue
		}
		row := MetadataRow{
			Cell:             cellKey(rec[cellCol]),
			Region:           get(rec, ColumnRegion),
			Layer:            get(rec, ColumnLayer),
			OriginalBrain:    get(rec, ColumnOriginalBrain),
			AlternateAtlas:   get(rec, ColumnAlternateAtlas),
			ManualCorrection: truthy(get(rec, ColumnManualCorrection)),
		}
		md.rows[row.Cell] = row
	}
	return md, nil
}

func cellKey(name string) string {
	name = strings.TrimSpace(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "x":
		return true
	}
	return false
}

// Lookup returns the row for a cell. File extensions are ignored.
func (m *Metadata) Lookup(cell string) (MetadataRow, bool) {
	if m == nil {
		return MetadataRow{}, false
	}
	row, ok := m.rows[cellKey(cell)]
	return row, ok
}

// Len returns the number of rows.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rows)
}
