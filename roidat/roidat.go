// Package roidat reads Accurion ROI tables and converts them to WVASE data files.
//
// An ROI table is tab-separated text with two header lines (column names, then units)
// followed by one row per wavelength, angle and region of interest.
package roidat

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrFormat reports a malformed ROI table.
	ErrFormat = errors.New("roidat: invalid ROI table")
	// ErrNoColumn is returned by Table.Column for an absent column.
	ErrNoColumn = errors.New("roidat: no such column")
)

// ROIColumn is the column rows are grouped by.
const ROIColumn = "ROIidx"

// renames strips the comment marker Accurion puts on the leading columns.
var renames = map[string]string{
	"#Lambda": "Lambda",
	"#AOI":    "AOI",
	"#ROIidx": ROIColumn,
}

// Table holds the rows of one region of interest.
type Table struct {
	ROI     int
	Columns []string
	Records [][]string
}

// Index returns the position of the named column or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column parses the named column as floats. Empty cells become NaN.
func (t *Table) Column(name string) ([]float64, error) {
	idx := t.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoColumn, name)
	}
	out := make([]float64, len(t.Records))
	for i, rec := range t.Records {
		s := strings.TrimSpace(rec[idx])
		if s == "" {
			out[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q row %d: %w", name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Read parses the ROI table at path, grouping rows by ROI index.
func Read(path string) (map[int]*Table, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	tables, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tables, nil
}

// Parse parses an ROI table. Input that is not valid UTF-8 is decoded as Latin-1,
// which is what the acquisition software writes unit symbols in.
func Parse(data []byte) (map[int]*Table, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	names, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading column names: %v", ErrFormat, err)
	}
	// units
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("%w: reading unit line: %v", ErrFormat, err)
	}

	for len(names) > 0 && strings.TrimSpace(names[len(names)-1]) == "" {
		names = names[:len(names)-1]
	}
	columns := make([]string, len(names))
	roiIdx := -1
	for i, n := range names {
		n = strings.TrimSpace(n)
		if renamed, ok := renames[n]; ok {
			n = renamed
		}
		columns[i] = n
		if n == ROIColumn {
			roiIdx = i
		}
	}
	if roiIdx < 0 {
		return nil, fmt.Errorf("%w: missing %s column", ErrFormat, ROIColumn)
	}

	tables := make(map[int]*Table)
	for line := 3; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		rec, err = fitRecord(rec, len(columns))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}

		roi, err := parseROI(rec[roiIdx])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		t, ok := tables[roi]
		if !ok {
			t = &Table{ROI: roi, Columns: columns}
			tables[roi] = t
		}
		t.Records = append(t.Records, rec)
	}
	return tables, nil
}

// ROIs returns the ROI indices of tables in ascending order.
func ROIs(tables map[int]*Table) []int {
	rois := make([]int, 0, len(tables))
	for roi := range tables {
		rois = append(rois, roi)
	}
	sort.Ints(rois)
	return rois
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode latin-1: %w", err)
	}
	return string(decoded), nil
}

// fitRecord pads short rows and drops empty trailing cells left by trailing tabs.
func fitRecord(rec []string, n int) ([]string, error) {
	for len(rec) > n && strings.TrimSpace(rec[len(rec)-1]) == "" {
		rec = rec[:len(rec)-1]
	}
	if len(rec) > n {
		return nil, fmt.Errorf("%d fields, header has %d", len(rec), n)
	}
	for len(rec) < n {
		rec = append(rec, "")
	}
	return rec, nil
}

func parseROI(s string) (int, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("invalid %s %q", ROIColumn, s)
	}
	return int(f), nil
}
