package file

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"votecast/domain/election"
	"votecast/internal"
	"votecast/ports"
)

// Expected header columns of a returns snapshot, in any order.
const (
	colRegion    = "region_code"
	colUnit      = "unit_id"
	colReporting = "reporting_pct"
	colResult    = "current_result"
)

// ReturnsReader reads current-returns snapshots from .xlsx or .csv drops.
// Blank current_result cells mean the feed has not published a count for
// the unit yet and map to a nil result.
type ReturnsReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
	log      *internal.Logger
}

var _ ports.ReturnsSource = (*ReturnsReader)(nil)

// NewReturnsReader creates a reader for the given snapshot file, picking
// the format from the extension.
func NewReturnsReader(filePath string, log *internal.Logger) *ReturnsReader {
	if log == nil {
		log = internal.DefaultLogger
	}
	fileType := "xlsx"
	if strings.ToLower(filepath.Ext(filePath)) == ".csv" {
		fileType = "csv"
	}
	return &ReturnsReader{filePath: filePath, fileType: fileType, log: log}
}

// FetchReturns reads the snapshot into returns rows.
func (r *ReturnsReader) FetchReturns(_ context.Context) ([]election.ReturnsRow, error) {
	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("returns file not found: %s", r.filePath)
	}

	var rows [][]string
	var err error
	switch r.fileType {
	case "csv":
		rows, err = r.readCSV()
	case "xlsx":
		rows, err = r.readExcel()
	default:
		return nil, fmt.Errorf("unsupported returns file type: %s", r.fileType)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("returns file must have a header row and at least one data row")
	}
	return r.parseRows(rows)
}

func (r *ReturnsReader) readExcel() ([][]string, error) {
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open returns file: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("failed to read returns sheet: %w", err)
	}
	r.log.Debug("returns reader: %d rows from %s", len(rows), r.filePath)
	return rows, nil
}

func (r *ReturnsReader) readCSV() ([][]string, error) {
	f, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open returns file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read returns CSV: %w", err)
	}
	r.log.Debug("returns reader: %d rows from %s", len(rows), r.filePath)
	return rows, nil
}

// parseRows maps the header once and converts data rows, rejecting a
// snapshot whose header lacks a required column.
func (r *ReturnsReader) parseRows(rows [][]string) ([]election.ReturnsRow, error) {
	header := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colRegion, colUnit, colReporting, colResult} {
		if _, ok := header[required]; !ok {
			return nil, fmt.Errorf("returns file missing required column %q", required)
		}
	}

	out := make([]election.ReturnsRow, 0, len(rows)-1)
	for lineNo, row := range rows[1:] {
		cell := func(col string) string {
			i := header[col]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		if cell(colRegion) == "" && cell(colUnit) == "" {
			continue // trailing blank line
		}

		reporting, err := strconv.ParseFloat(cell(colReporting), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid reporting_pct %q", lineNo+2, cell(colReporting))
		}
		ret := election.ReturnsRow{
			RegionCode:   cell(colRegion),
			UnitID:       cell(colUnit),
			ReportingPct: reporting,
		}
		if raw := cell(colResult); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid current_result %q", lineNo+2, raw)
			}
			ret.CurrentResult = &v
		}
		out = append(out, ret)
	}
	return out, nil
}
