// Package dataset provides the tabular data frame flowing through a run
// and providers that resolve dataset handles to validated frames.
package dataset

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

// Column is one typed column of a frame. A column is either numeric
// (Floats populated) or categorical (Strings populated), never both.
type Column struct {
	Name    string    `json:"name"`
	Numeric bool      `json:"numeric"`
	Floats  []float64 `json:"floats,omitempty"`
	Strings []string  `json:"strings,omitempty"`
}

// Len returns the number of values in the column.
func (c Column) Len() int {
	if c.Numeric {
		return len(c.Floats)
	}
	return len(c.Strings)
}

// UniqueCount returns the number of distinct values in the column.
func (c Column) UniqueCount() int {
	if c.Numeric {
		seen := make(map[float64]struct{}, len(c.Floats))
		for _, v := range c.Floats {
			seen[v] = struct{}{}
		}
		return len(seen)
	}
	seen := make(map[string]struct{}, len(c.Strings))
	for _, v := range c.Strings {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// Frame is an immutable-by-convention columnar table. Stages derive new
// frames rather than mutating shared ones.
type Frame struct {
	Columns []Column `json:"columns"`
}

// Rows returns the row count, zero for an empty frame.
func (f *Frame) Rows() int {
	if len(f.Columns) == 0 {
		return 0
	}
	return f.Columns[0].Len()
}

// Column returns the named column, or false if absent.
func (f *Frame) Column(name string) (Column, bool) {
	for _, col := range f.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// ColumnNames returns column names in frame order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i, col := range f.Columns {
		names[i] = col.Name
	}
	return names
}

// Select returns a new frame containing only the named columns, in the
// given order. Unknown names fail.
func (f *Frame) Select(names ...string) (*Frame, error) {
	out := &Frame{Columns: make([]Column, 0, len(names))}
	for _, name := range names {
		col, ok := f.Column(name)
		if !ok {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		out.Columns = append(out.Columns, col)
	}
	return out, nil
}

// SelectRows returns a new frame containing the given row indices, in
// order. Indices may repeat.
func (f *Frame) SelectRows(indices []int) *Frame {
	out := &Frame{Columns: make([]Column, len(f.Columns))}
	for i, col := range f.Columns {
		nc := Column{Name: col.Name, Numeric: col.Numeric}
		if col.Numeric {
			nc.Floats = make([]float64, len(indices))
			for j, idx := range indices {
				nc.Floats[j] = col.Floats[idx]
			}
		} else {
			nc.Strings = make([]string, len(indices))
			for j, idx := range indices {
				nc.Strings[j] = col.Strings[idx]
			}
		}
		out.Columns[i] = nc
	}
	return out
}

// ContentHash returns a SHA-256 hex digest over the frame's schema and
// values. Identical frames hash identically regardless of how they were
// loaded.
func (f *Frame) ContentHash() string {
	h := sha256.New()
	for _, col := range f.Columns {
		_, _ = h.Write([]byte(col.Name))
		_, _ = h.Write([]byte{0})
		if col.Numeric {
			_, _ = h.Write([]byte{1})
			buf := make([]byte, 8)
			for _, v := range col.Floats {
				binary.BigEndian.PutUint64(buf, uint64(int64(v*1e9)))
				_, _ = h.Write(buf)
			}
		} else {
			_, _ = h.Write([]byte{2})
			for _, v := range col.Strings {
				_, _ = h.Write([]byte(v))
				_, _ = h.Write([]byte{0})
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FromCSV parses a CSV stream into a frame. The first record is the
// header. A column is numeric when every value parses as a float;
// otherwise it is categorical.
func FromCSV(r io.Reader) (*Frame, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty CSV: missing header")
	}

	header := records[0]
	rows := records[1:]
	frame := &Frame{Columns: make([]Column, len(header))}

	for i, name := range header {
		raw := make([]string, len(rows))
		numeric := len(rows) > 0
		floats := make([]float64, 0, len(rows))
		for j, row := range rows {
			if i >= len(row) {
				return nil, fmt.Errorf("row %d has %d fields, want %d", j+1, len(row), len(header))
			}
			raw[j] = row[i]
			if numeric {
				v, err := strconv.ParseFloat(row[i], 64)
				if err != nil {
					numeric = false
				} else {
					floats = append(floats, v)
				}
			}
		}
		col := Column{Name: name, Numeric: numeric}
		if numeric {
			col.Floats = floats
		} else {
			col.Strings = raw
		}
		frame.Columns[i] = col
	}
	return frame, nil
}
