package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/epiforge/epiforge/internal/frame"
)

// DecodeCSV reads a headered CSV into a frame. Numeric cells parse directly;
// empty cells and the usual NA spellings become NaN; columns with any other
// non-numeric content are treated as categorical and level-coded (sorted
// distinct strings mapped to 0..k-1). Fully blank lines are skipped, per
// encoding/csv, so a single-column file cannot represent a missing row.
func DecodeCSV(r io.Reader) (*frame.Frame, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("empty header")
	}

	raw := make([][]string, len(header))
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		for j := range header {
			v := ""
			if j < len(rec) {
				v = strings.TrimSpace(rec[j])
			}
			raw[j] = append(raw[j], v)
		}
	}
	if len(raw[0]) == 0 {
		return nil, fmt.Errorf("no data rows")
	}

	cols := make([][]float64, len(header))
	for j := range header {
		cols[j] = decodeColumn(raw[j])
	}
	return frame.New(header, cols)
}

func decodeColumn(values []string) []float64 {
	out := make([]float64, len(values))
	numeric := true
	for i, v := range values {
		if isMissing(v) {
			out[i] = math.NaN()
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			numeric = false
			break
		}
		out[i] = x
	}
	if numeric {
		return out
	}

	// Categorical fallback: stable level codes.
	levels := make(map[string]struct{})
	for _, v := range values {
		if !isMissing(v) {
			levels[v] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(levels))
	for v := range levels {
		sorted = append(sorted, v)
	}
	sort.Strings(sorted)
	codes := make(map[string]float64, len(sorted))
	for i, v := range sorted {
		codes[v] = float64(i)
	}
	for i, v := range values {
		if isMissing(v) {
			out[i] = math.NaN()
		} else {
			out[i] = codes[v]
		}
	}
	return out
}

func isMissing(v string) bool {
	switch strings.ToLower(v) {
	case "", "na", "n/a", "nan", "null", ".":
		return true
	}
	return false
}
