package design

import (
	"fmt"
)

// Matrix is the canonical dense design object for all estimation code:
// named columns over row-major float64 data. Schema changes are explicit
// operations (AddColumn, EnsureColumn, Select) rather than ad-hoc
// per-row mutation, so encoders can reconcile two matrices against a
// fixed column set.
type Matrix struct {
	Columns []string
	Data    [][]float64
}

// New creates an empty matrix with the given columns.
func New(columns ...string) *Matrix {
	return &Matrix{Columns: append([]string(nil), columns...)}
}

// NumRows returns the number of rows.
func (m *Matrix) NumRows() int { return len(m.Data) }

// NumCols returns the number of columns.
func (m *Matrix) NumCols() int { return len(m.Columns) }

// ColumnIndex returns the position of a named column.
func (m *Matrix) ColumnIndex(name string) (int, bool) {
	for i, c := range m.Columns {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

// AppendRow adds one row. The row length must match the current schema.
func (m *Matrix) AppendRow(row []float64) error {
	if len(row) != len(m.Columns) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(row), len(m.Columns))
	}
	m.Data = append(m.Data, append([]float64(nil), row...))
	return nil
}

// AddColumn appends a named column with the given values.
func (m *Matrix) AddColumn(name string, values []float64) error {
	if _, exists := m.ColumnIndex(name); exists {
		return fmt.Errorf("column %q already present", name)
	}
	if len(values) != len(m.Data) {
		return fmt.Errorf("column %q has %d values, matrix has %d rows", name, len(values), len(m.Data))
	}
	m.Columns = append(m.Columns, name)
	for i := range m.Data {
		m.Data[i] = append(m.Data[i], values[i])
	}
	return nil
}

// EnsureColumn adds an all-zero column if the name is absent. This is the
// schema-evolution step that reconciles an unobserved design against the
// fixed column set learned from observed rows.
func (m *Matrix) EnsureColumn(name string) {
	if _, exists := m.ColumnIndex(name); exists {
		return
	}
	m.Columns = append(m.Columns, name)
	for i := range m.Data {
		m.Data[i] = append(m.Data[i], 0)
	}
}

// Column returns a copy of the named column's values.
func (m *Matrix) Column(name string) ([]float64, error) {
	j, ok := m.ColumnIndex(name)
	if !ok {
		return nil, fmt.Errorf("column %q not present", name)
	}
	out := make([]float64, len(m.Data))
	for i, row := range m.Data {
		out[i] = row[j]
	}
	return out, nil
}

// Select returns a new matrix restricted to the named columns, in the
// given order. Every requested column must exist.
func (m *Matrix) Select(columns []string) (*Matrix, error) {
	idx := make([]int, len(columns))
	for k, name := range columns {
		j, ok := m.ColumnIndex(name)
		if !ok {
			return nil, fmt.Errorf("column %q not present", name)
		}
		idx[k] = j
	}
	out := New(columns...)
	out.Data = make([][]float64, len(m.Data))
	for i, row := range m.Data {
		sel := make([]float64, len(idx))
		for k, j := range idx {
			sel[k] = row[j]
		}
		out.Data[i] = sel
	}
	return out, nil
}

// SubsetRows returns a new matrix containing the rows at the given
// indices, in order. Shares no storage with the receiver.
func (m *Matrix) SubsetRows(indices []int) *Matrix {
	out := New(m.Columns...)
	out.Data = make([][]float64, 0, len(indices))
	for _, i := range indices {
		out.Data = append(out.Data, append([]float64(nil), m.Data[i]...))
	}
	return out
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := New(m.Columns...)
	out.Data = make([][]float64, len(m.Data))
	for i, row := range m.Data {
		out.Data[i] = append([]float64(nil), row...)
	}
	return out
}
