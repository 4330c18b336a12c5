// Package batch defines the columnar unit of work that flows through the
// pipeline: an immutable, equal-length bundle of typed column buffers.
package batch

import "github.com/sempervent/streaming-parquet/internal/dtype"

// Column is a single typed column buffer. Exactly one of its typed slices
// is populated, selected by Dtype; Valid marks which positions are
// non-null. This is the tagged-variant re-architecture of a single dynamic
// string carrier: no runtime type assertions are needed to read a value,
// only a switch on Dtype.
type Column struct {
	Dtype dtype.Dtype
	Valid []bool

	Bools     []bool
	Ints      []int64
	Floats    []float64
	Strings   []string
	Bytes     [][]byte
	Times     []int64 // Unix seconds for Date, Unix nanos for Datetime
}

// NewColumn allocates a Column of the given dtype with capacity n.
func NewColumn(dt dtype.Dtype, n int) *Column {
	c := &Column{Dtype: dt, Valid: make([]bool, 0, n)}
	switch dt {
	case dtype.Bool:
		c.Bools = make([]bool, 0, n)
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64:
		c.Ints = make([]int64, 0, n)
	case dtype.F32, dtype.F64:
		c.Floats = make([]float64, 0, n)
	case dtype.Utf8:
		c.Strings = make([]string, 0, n)
	case dtype.Binary:
		c.Bytes = make([][]byte, 0, n)
	case dtype.Date, dtype.Datetime:
		c.Times = make([]int64, 0, n)
	}
	return c
}

// Len returns the column's row count.
func (c *Column) Len() int {
	return len(c.Valid)
}

// AppendNull appends a null value of the column's dtype.
func (c *Column) AppendNull() {
	c.Valid = append(c.Valid, false)
	switch c.Dtype {
	case dtype.Bool:
		c.Bools = append(c.Bools, false)
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64:
		c.Ints = append(c.Ints, 0)
	case dtype.F32, dtype.F64:
		c.Floats = append(c.Floats, 0)
	case dtype.Utf8:
		c.Strings = append(c.Strings, "")
	case dtype.Binary:
		c.Bytes = append(c.Bytes, nil)
	case dtype.Date, dtype.Datetime:
		c.Times = append(c.Times, 0)
	}
}

func (c *Column) AppendBool(v bool) {
	c.Valid = append(c.Valid, true)
	c.Bools = append(c.Bools, v)
}

func (c *Column) AppendInt(v int64) {
	c.Valid = append(c.Valid, true)
	c.Ints = append(c.Ints, v)
}

func (c *Column) AppendFloat(v float64) {
	c.Valid = append(c.Valid, true)
	c.Floats = append(c.Floats, v)
}

func (c *Column) AppendString(v string) {
	c.Valid = append(c.Valid, true)
	c.Strings = append(c.Strings, v)
}

func (c *Column) AppendBytes(v []byte) {
	c.Valid = append(c.Valid, true)
	c.Bytes = append(c.Bytes, v)
}

func (c *Column) AppendTime(v int64) {
	c.Valid = append(c.Valid, true)
	c.Times = append(c.Times, v)
}

// Batch is an immutable, equal-length bundle of named columns carrying a
// position in the overall stream for reorder-buffer sequencing.
type Batch struct {
	Columns    []*Column
	Names      []string
	InputIndex int
	BatchIndex int
}

// Len returns the batch's row count, or 0 if it carries no columns.
func (b *Batch) Len() int {
	if len(b.Columns) == 0 {
		return 0
	}
	return b.Columns[0].Len()
}

// ColumnByName returns the column named n and its index, or (nil, -1, false).
func (b *Batch) ColumnByName(n string) (*Column, int, bool) {
	for i, name := range b.Names {
		if name == n {
			return b.Columns[i], i, true
		}
	}
	return nil, -1, false
}
