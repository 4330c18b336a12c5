package schema

import (
	"testing"

	"github.com/sempervent/streaming-parquet/internal/dtype"
)

func TestBuilderInsertionOrder(t *testing.T) {
	b := NewBuilder(Policy{})
	_, err := b.Add(Schema{Columns: []Column{
		{Name: "name", Dtype: dtype.Utf8},
		{Name: "age", Dtype: dtype.I64},
	}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err = b.Add(Schema{Columns: []Column{
		{Name: "age", Dtype: dtype.I64},
		{Name: "name", Dtype: dtype.Utf8},
	}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	u := b.Build()
	names := u.ColumnNames()
	if len(names) != 2 || names[0] != "name" || names[1] != "age" {
		t.Fatalf("ColumnNames = %v; want [name age]", names)
	}
}

func TestBuilderWidensAcrossInputs(t *testing.T) {
	b := NewBuilder(Policy{})
	_, _ = b.Add(Schema{Columns: []Column{{Name: "age", Dtype: dtype.I64}}})
	_, _ = b.Add(Schema{Columns: []Column{{Name: "age", Dtype: dtype.F64}}})
	u := b.Build()
	col, ok := colByName(u.Columns, "age")
	if !ok || col.Dtype != dtype.F64 {
		t.Fatalf("age dtype = %v; want F64", col.Dtype)
	}
}

func TestBuilderConflictWithoutStringify(t *testing.T) {
	b := NewBuilder(Policy{})
	_, _ = b.Add(Schema{Columns: []Column{{Name: "x", Dtype: dtype.Utf8}}})
	_, err := b.Add(Schema{Columns: []Column{{Name: "x", Dtype: dtype.I32}}})
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if _, ok := err.(*ConflictError); !ok {
		t.Fatalf("err type = %T; want *ConflictError", err)
	}
}

func TestBuilderStringifyConflicts(t *testing.T) {
	b := NewBuilder(Policy{StringifyConflicts: true})
	_, _ = b.Add(Schema{Columns: []Column{{Name: "x", Dtype: dtype.Utf8}}})
	_, err := b.Add(Schema{Columns: []Column{{Name: "x", Dtype: dtype.I32}}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	u := b.Build()
	col, _ := colByName(u.Columns, "x")
	if col.Dtype != dtype.Utf8 {
		t.Fatalf("x dtype = %v; want Utf8", col.Dtype)
	}
}

func TestBuilderReorderAlphabetical(t *testing.T) {
	b := NewBuilder(Policy{Reorder: true})
	_, _ = b.Add(Schema{Columns: []Column{
		{Name: "zebra", Dtype: dtype.Utf8},
		{Name: "apple", Dtype: dtype.Utf8},
	}})
	u := b.Build()
	names := u.ColumnNames()
	if names[0] != "apple" || names[1] != "zebra" {
		t.Fatalf("ColumnNames = %v; want [apple zebra]", names)
	}
}

func TestBuilderProjectionIncludeExclude(t *testing.T) {
	b := NewBuilder(Policy{Include: []string{"name"}})
	rm, _ := b.Add(Schema{Columns: []Column{
		{Name: "name", Dtype: dtype.Utf8},
		{Name: "age", Dtype: dtype.I64},
	}})
	if _, ok := rm["age"]; ok {
		t.Fatalf("age should have been excluded by projection")
	}
	u := b.Build()
	if len(u.Columns) != 1 || u.Columns[0].Name != "name" {
		t.Fatalf("Columns = %v; want only name", u.Columns)
	}
}

func TestBuilderRenames(t *testing.T) {
	b := NewBuilder(Policy{Renames: map[string]string{"old": "new"}})
	rm, _ := b.Add(Schema{Columns: []Column{{Name: "old", Dtype: dtype.Utf8}}})
	if rm["old"] != "new" {
		t.Fatalf("rename map = %v; want old->new", rm)
	}
}

func TestBuilderPopulatesRenameMapsPerInput(t *testing.T) {
	b := NewBuilder(Policy{Renames: map[string]string{"old": "new"}})
	_, _ = b.Add(Schema{Columns: []Column{{Name: "old", Dtype: dtype.Utf8}}})
	_, _ = b.Add(Schema{Columns: []Column{{Name: "old", Dtype: dtype.Utf8}, {Name: "age", Dtype: dtype.I64}}})
	u := b.Build()

	if len(u.RenameMaps) != 2 {
		t.Fatalf("RenameMaps = %v; want 2 entries, one per Add call", u.RenameMaps)
	}
	if u.RenameMaps[0]["old"] != "new" {
		t.Fatalf("RenameMaps[0] = %v; want old->new", u.RenameMaps[0])
	}
	if u.RenameMaps[1]["old"] != "new" || u.RenameMaps[1]["age"] != "age" {
		t.Fatalf("RenameMaps[1] = %v; want old->new, age->age", u.RenameMaps[1])
	}
}

func colByName(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}
