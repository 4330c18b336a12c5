package align

import (
	"testing"

	"github.com/sempervent/streaming-parquet/internal/batch"
	"github.com/sempervent/streaming-parquet/internal/dtype"
	"github.com/sempervent/streaming-parquet/internal/schema"
)

func makeSrcBatch(names []string, cols []*batch.Column) *batch.Batch {
	return &batch.Batch{Columns: cols, Names: names}
}

func TestAlignPassthrough(t *testing.T) {
	name := batch.NewColumn(dtype.Utf8, 1)
	name.AppendString("ada")
	src := makeSrcBatch([]string{"name"}, []*batch.Column{name})

	unified := schema.Unified{Columns: []schema.Column{{Name: "name", Dtype: dtype.Utf8}}}
	a := NewAligner(unified, false)
	out, err := a.Align(src, map[string]string{"name": "name"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Columns[0].Strings[0] != "ada" {
		t.Fatalf("got %v", out.Columns[0].Strings)
	}
}

func TestAlignMissingColumnNullFilled(t *testing.T) {
	name := batch.NewColumn(dtype.Utf8, 1)
	name.AppendString("ada")
	src := makeSrcBatch([]string{"name"}, []*batch.Column{name})

	unified := schema.Unified{Columns: []schema.Column{
		{Name: "name", Dtype: dtype.Utf8},
		{Name: "age", Dtype: dtype.I64},
	}}
	a := NewAligner(unified, false)
	out, err := a.Align(src, map[string]string{"name": "name"})
	if err != nil {
		t.Fatal(err)
	}
	ageCol, _, _ := out.ColumnByName("age")
	if ageCol.Len() != 1 || ageCol.Valid[0] {
		t.Fatalf("age should be one null row, got %+v", ageCol)
	}
}

func TestAlignNumericWidenOverflow(t *testing.T) {
	ages := batch.NewColumn(dtype.I32, 1)
	ages.AppendInt(40000) // overflows I16
	src := makeSrcBatch([]string{"age"}, []*batch.Column{ages})

	unified := schema.Unified{Columns: []schema.Column{{Name: "age", Dtype: dtype.I16}}}
	a := NewAligner(unified, false)
	out, err := a.Align(src, map[string]string{"age": "age"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Columns[0].Valid[0] {
		t.Fatalf("expected overflow to null out the value")
	}
	if a.CoercionLoss != 1 {
		t.Fatalf("CoercionLoss = %d; want 1", a.CoercionLoss)
	}
}

func TestAlignIntToFloatWiden(t *testing.T) {
	age := batch.NewColumn(dtype.I64, 1)
	age.AppendInt(30)
	src := makeSrcBatch([]string{"age"}, []*batch.Column{age})

	unified := schema.Unified{Columns: []schema.Column{{Name: "age", Dtype: dtype.F64}}}
	a := NewAligner(unified, false)
	out, err := a.Align(src, map[string]string{"age": "age"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Columns[0].Floats[0] != 30.0 {
		t.Fatalf("got %v", out.Columns[0].Floats[0])
	}
}

func TestAlignAnyToUtf8Canonical(t *testing.T) {
	age := batch.NewColumn(dtype.I64, 1)
	age.AppendInt(42)
	src := makeSrcBatch([]string{"age"}, []*batch.Column{age})

	unified := schema.Unified{Columns: []schema.Column{{Name: "age", Dtype: dtype.Utf8}}}
	a := NewAligner(unified, false)
	out, err := a.Align(src, map[string]string{"age": "age"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Columns[0].Strings[0] != "42" {
		t.Fatalf("got %q", out.Columns[0].Strings[0])
	}
}

func TestAlignSchemaConflictWithoutStringify(t *testing.T) {
	flag := batch.NewColumn(dtype.Bool, 1)
	flag.AppendBool(true)
	src := makeSrcBatch([]string{"flag"}, []*batch.Column{flag})

	unified := schema.Unified{Columns: []schema.Column{{Name: "flag", Dtype: dtype.Binary}}}
	a := NewAligner(unified, false)
	_, err := a.Align(src, map[string]string{"flag": "flag"})
	if err == nil {
		t.Fatalf("expected SchemaConflict")
	}
}

func TestAlignDateToDatetimeWiden(t *testing.T) {
	d := batch.NewColumn(dtype.Date, 1)
	d.AppendTime(1000)
	src := makeSrcBatch([]string{"d"}, []*batch.Column{d})

	unified := schema.Unified{Columns: []schema.Column{{Name: "d", Dtype: dtype.Datetime}}}
	a := NewAligner(unified, false)
	out, err := a.Align(src, map[string]string{"d": "d"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Columns[0].Times[0] != 1000*1_000_000_000 {
		t.Fatalf("got %v", out.Columns[0].Times[0])
	}
}

func TestStringifyFloat(t *testing.T) {
	f := batch.NewColumn(dtype.F64, 1)
	f.AppendFloat(1.0)
	if got := Stringify(f, 0); got != "1.0" {
		t.Fatalf("Stringify(1.0) = %q", got)
	}
}
