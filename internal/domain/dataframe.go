package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// DataFrame is a row-oriented, column-addressable table. Column order is the
// insertion order. All columns have the same length.
type DataFrame struct {
	columns []string
	data    map[string][]any
	rows    int
}

// NewDataFrame builds a frame from named columns. Columns are ordered by
// name; use NewDataFrameOrdered to control ordering.
func NewDataFrame(cols map[string][]any) (*DataFrame, error) {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return NewDataFrameOrdered(names, cols)
}

// NewDataFrameOrdered builds a frame whose columns appear in the given order.
func NewDataFrameOrdered(order []string, cols map[string][]any) (*DataFrame, error) {
	df := &DataFrame{data: make(map[string][]any, len(order)), rows: -1}
	for _, name := range order {
		values, ok := cols[name]
		if !ok {
			return nil, Resolvef("column %q not provided", name)
		}
		if df.rows >= 0 && len(values) != df.rows {
			return nil, Shapef("column %q has %d rows, want %d", name, len(values), df.rows)
		}
		df.rows = len(values)
		df.columns = append(df.columns, name)
		df.data[name] = slices.Clone(values)
	}
	if df.rows < 0 {
		df.rows = 0
	}
	return df, nil
}

// FromRecords builds a frame from JSON-like records. Columns appear in order
// of first occurrence; missing cells are nil.
func FromRecords(records []map[string]any) *DataFrame {
	df := &DataFrame{data: make(map[string][]any), rows: len(records)}
	for i, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			col, ok := df.data[k]
			if !ok {
				col = make([]any, len(records))
				df.columns = append(df.columns, k)
			}
			col[i] = rec[k]
			df.data[k] = col
		}
	}
	return df
}

// NumRows returns the number of rows.
func (df *DataFrame) NumRows() int { return df.rows }

// Columns returns the column names in order.
func (df *DataFrame) Columns() []string { return slices.Clone(df.columns) }

// HasColumn reports whether the frame has a column.
func (df *DataFrame) HasColumn(name string) bool {
	_, ok := df.data[name]
	return ok
}

// Column returns a copy of one column.
func (df *DataFrame) Column(name string) ([]any, error) {
	values, ok := df.data[name]
	if !ok {
		return nil, Resolvef("column %q not found in payload", name)
	}
	return slices.Clone(values), nil
}

// SetColumn adds or replaces a column. The value count must equal NumRows
// unless the frame has no columns yet.
func (df *DataFrame) SetColumn(name string, values []any) error {
	if len(df.columns) > 0 && len(values) != df.rows {
		return Shapef("column %q has %d values, frame has %d rows", name, len(values), df.rows)
	}
	if len(df.columns) == 0 {
		df.rows = len(values)
	}
	if _, ok := df.data[name]; !ok {
		df.columns = append(df.columns, name)
	}
	df.data[name] = slices.Clone(values)
	return nil
}

// DropColumn removes a column if present.
func (df *DataFrame) DropColumn(name string) {
	if _, ok := df.data[name]; !ok {
		return
	}
	delete(df.data, name)
	df.columns = slices.DeleteFunc(df.columns, func(c string) bool { return c == name })
}

// Select returns a new frame holding only the named columns, in that order.
func (df *DataFrame) Select(names ...string) (*DataFrame, error) {
	out := &DataFrame{data: make(map[string][]any, len(names)), rows: df.rows}
	for _, name := range names {
		values, ok := df.data[name]
		if !ok {
			return nil, Resolvef("column %q not found in payload", name)
		}
		out.columns = append(out.columns, name)
		out.data[name] = slices.Clone(values)
	}
	return out, nil
}

// Row returns row i as a record.
func (df *DataFrame) Row(i int) (map[string]any, error) {
	if i < 0 || i >= df.rows {
		return nil, fmt.Errorf("row %d out of range [0,%d)", i, df.rows)
	}
	rec := make(map[string]any, len(df.columns))
	for _, c := range df.columns {
		rec[c] = df.data[c][i]
	}
	return rec, nil
}

// Records returns every row as a record.
func (df *DataFrame) Records() []map[string]any {
	out := make([]map[string]any, df.rows)
	for i := range out {
		out[i], _ = df.Row(i)
	}
	return out
}

// Copy returns a copy of the frame. Cell values are shared.
func (df *DataFrame) Copy() *DataFrame {
	out := &DataFrame{
		columns: slices.Clone(df.columns),
		data:    make(map[string][]any, len(df.data)),
		rows:    df.rows,
	}
	for k, v := range df.data {
		out.data[k] = slices.Clone(v)
	}
	return out
}

// Slice returns rows [start, end) as a new frame.
func (df *DataFrame) Slice(start, end int) (*DataFrame, error) {
	if start < 0 || end > df.rows || start > end {
		return nil, fmt.Errorf("slice [%d,%d) out of range [0,%d)", start, end, df.rows)
	}
	out := &DataFrame{
		columns: slices.Clone(df.columns),
		data:    make(map[string][]any, len(df.data)),
		rows:    end - start,
	}
	for k, v := range df.data {
		out.data[k] = slices.Clone(v[start:end])
	}
	return out, nil
}

// JSONRecords returns the rows as records safe for encoding/json: error
// cells become {"error": message}.
func (df *DataFrame) JSONRecords() []map[string]any {
	records := df.Records()
	for _, rec := range records {
		for k, v := range rec {
			if err, ok := v.(error); ok {
				rec[k] = map[string]string{"error": err.Error()}
			}
		}
	}
	return records
}

// MarshalJSON encodes the frame as an array of JSONRecords.
func (df *DataFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(df.JSONRecords())
}
