package batch

import (
	"testing"

	"github.com/sempervent/streaming-parquet/internal/dtype"
)

func TestColumnAppendAndNull(t *testing.T) {
	c := NewColumn(dtype.I64, 4)
	c.AppendInt(1)
	c.AppendNull()
	c.AppendInt(3)

	if c.Len() != 3 {
		t.Fatalf("Len() = %d; want 3", c.Len())
	}
	if !c.Valid[0] || c.Valid[1] || !c.Valid[2] {
		t.Fatalf("Valid = %v; want [true false true]", c.Valid)
	}
	if c.Ints[0] != 1 || c.Ints[2] != 3 {
		t.Fatalf("Ints = %v", c.Ints)
	}
}

func TestBatchColumnByName(t *testing.T) {
	a := NewColumn(dtype.Utf8, 1)
	a.AppendString("x")
	b := NewColumn(dtype.I64, 1)
	b.AppendInt(7)

	bat := &Batch{Columns: []*Column{a, b}, Names: []string{"name", "age"}}
	if bat.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", bat.Len())
	}
	col, idx, ok := bat.ColumnByName("age")
	if !ok || idx != 1 || col.Ints[0] != 7 {
		t.Fatalf("ColumnByName(age) = %v, %d, %v", col, idx, ok)
	}
	if _, _, ok := bat.ColumnByName("missing"); ok {
		t.Fatalf("ColumnByName(missing) should not be found")
	}
}
