package frame

import (
	"fmt"
	"math"
	"sort"
)

// Frame is an immutable, column-indexed tabular dataset. Rows are independent
// sampling units unless a cluster or strata role is declared at analysis time.
//
// Columns are float64 vectors; missing values are represented as NaN.
// Categorical variables are expected to arrive numerically coded (the fieldmap
// package handles recoding from raw sources).
type Frame struct {
	names []string
	index map[string]int
	cols  [][]float64
	n     int
}

// New builds a frame from named columns. All columns must have equal length.
// The input slices are copied; the frame never aliases caller memory.
func New(names []string, cols [][]float64) (*Frame, error) {
	if len(names) != len(cols) {
		return nil, fmt.Errorf("frame: %d names for %d columns", len(names), len(cols))
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("frame: at least one column is required")
	}

	n := len(cols[0])
	f := &Frame{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
		cols:  make([][]float64, len(cols)),
		n:     n,
	}
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("frame: column %d has an empty name", i)
		}
		if _, dup := f.index[name]; dup {
			return nil, fmt.Errorf("frame: duplicate column %q", name)
		}
		if len(cols[i]) != n {
			return nil, fmt.Errorf("frame: column %q has %d rows, want %d", name, len(cols[i]), n)
		}
		f.names[i] = name
		f.index[name] = i
		f.cols[i] = append([]float64(nil), cols[i]...)
	}
	return f, nil
}

// NumRows returns the number of rows.
func (f *Frame) NumRows() int { return f.n }

// Columns returns the column names in declaration order.
func (f *Frame) Columns() []string {
	return append([]string(nil), f.names...)
}

// Has reports whether a column exists.
func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Column returns the values of a named column. The returned slice is shared
// with the frame and must not be modified; use Select or WithColumn to derive
// new frames.
func (f *Frame) Column(name string) ([]float64, error) {
	i, ok := f.index[name]
	if !ok {
		return nil, &InputValidationError{Column: name, Reason: "column not found"}
	}
	return f.cols[i], nil
}

// At returns the value at (row, column name). Panics on unknown column; it is
// intended for internal hot loops after validation.
func (f *Frame) At(row int, name string) float64 {
	return f.cols[f.index[name]][row]
}

// Select returns a new frame containing the given rows, in order. Row indices
// may repeat (bootstrap resampling) and must be in range.
func (f *Frame) Select(rows []int) (*Frame, error) {
	out := &Frame{
		names: append([]string(nil), f.names...),
		index: make(map[string]int, len(f.names)),
		cols:  make([][]float64, len(f.cols)),
		n:     len(rows),
	}
	for i, name := range out.names {
		out.index[name] = i
		col := make([]float64, len(rows))
		src := f.cols[i]
		for j, r := range rows {
			if r < 0 || r >= f.n {
				return nil, fmt.Errorf("frame: row index %d out of range [0,%d)", r, f.n)
			}
			col[j] = src[r]
		}
		out.cols[i] = col
	}
	return out, nil
}

// WithColumn returns a new frame with the named column added or replaced.
func (f *Frame) WithColumn(name string, values []float64) (*Frame, error) {
	if len(values) != f.n {
		return nil, fmt.Errorf("frame: column %q has %d rows, want %d", name, len(values), f.n)
	}
	out := &Frame{
		names: append([]string(nil), f.names...),
		index: make(map[string]int, len(f.names)+1),
		cols:  append([][]float64(nil), f.cols...),
		n:     f.n,
	}
	for i, n := range out.names {
		out.index[n] = i
	}
	if i, ok := out.index[name]; ok {
		out.cols[i] = append([]float64(nil), values...)
	} else {
		out.names = append(out.names, name)
		out.index[name] = len(out.cols)
		out.cols = append(out.cols, append([]float64(nil), values...))
	}
	return out, nil
}

// Append returns a new frame with the rows of other appended. Column sets must
// match exactly.
func (f *Frame) Append(other *Frame) (*Frame, error) {
	if len(f.names) != len(other.names) {
		return nil, fmt.Errorf("frame: append column count mismatch: %d vs %d", len(f.names), len(other.names))
	}
	out := &Frame{
		names: append([]string(nil), f.names...),
		index: make(map[string]int, len(f.names)),
		cols:  make([][]float64, len(f.cols)),
		n:     f.n + other.n,
	}
	for i, name := range out.names {
		out.index[name] = i
		oc, err := other.Column(name)
		if err != nil {
			return nil, fmt.Errorf("frame: append: %w", err)
		}
		col := make([]float64, 0, out.n)
		col = append(col, f.cols[i]...)
		col = append(col, oc...)
		out.cols[i] = col
	}
	return out, nil
}

// IsBinary reports whether a column contains only the values 0 and 1
// (ignoring NaN).
func (f *Frame) IsBinary(name string) bool {
	col, err := f.Column(name)
	if err != nil {
		return false
	}
	for _, v := range col {
		if math.IsNaN(v) {
			continue
		}
		if v != 0 && v != 1 {
			return false
		}
	}
	return true
}

// IsCount reports whether a column contains only non-negative integers
// (ignoring NaN). Used to pick a Poisson outcome family.
func (f *Frame) IsCount(name string) bool {
	col, err := f.Column(name)
	if err != nil {
		return false
	}
	for _, v := range col {
		if math.IsNaN(v) {
			continue
		}
		if v < 0 || v != math.Trunc(v) {
			return false
		}
	}
	return true
}

// Levels returns the sorted distinct non-NaN values of a column.
func (f *Frame) Levels(name string) ([]float64, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	seen := make(map[float64]struct{})
	for _, v := range col {
		if !math.IsNaN(v) {
			seen[v] = struct{}{}
		}
	}
	levels := make([]float64, 0, len(seen))
	for v := range seen {
		levels = append(levels, v)
	}
	sort.Float64s(levels)
	return levels, nil
}
