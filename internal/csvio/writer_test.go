package csvio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sempervent/streaming-parquet/internal/batch"
	"github.com/sempervent/streaming-parquet/internal/dtype"
)

func intBatch(names []string, rows [][]int64) *batch.Batch {
	cols := make([]*batch.Column, len(names))
	for c := range names {
		cols[c] = batch.NewColumn(dtype.I64, len(rows))
	}
	for _, row := range rows {
		for c, v := range row {
			cols[c].AppendInt(v)
		}
	}
	return &batch.Batch{Names: names, Columns: cols}
}

func TestWriterWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	w, err := NewWriter(out, []string{"a", "b"}, DefaultWriterConfig())
	if err != nil {
		t.Fatal(err)
	}
	bat := intBatch([]string{"a", "b"}, [][]int64{{1, 2}, {3, 4}})
	if err := w.WriteBatch(bat); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "a,b\n1,2\n3,4\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if w.TotalRows != 2 {
		t.Fatalf("TotalRows = %d, want 2", w.TotalRows)
	}
}

func TestWriterQuotesFieldsContainingDelimiter(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	cfg := DefaultWriterConfig()
	w, err := NewWriter(out, []string{"name"}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	col := batch.NewColumn(dtype.Utf8, 1)
	col.AppendString(`hello, "world"`)
	bat := &batch.Batch{Names: []string{"name"}, Columns: []*batch.Column{col}}
	if err := w.WriteBatch(bat); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "name\n\"hello, \"\"world\"\"\"\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriterRendersNAStringForNulls(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	cfg := DefaultWriterConfig()
	cfg.NAString = "NA"
	w, err := NewWriter(out, []string{"a"}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	col := batch.NewColumn(dtype.I64, 1)
	col.AppendNull()
	bat := &batch.Batch{Names: []string{"a"}, Columns: []*batch.Column{col}}
	if err := w.WriteBatch(bat); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "a\nNA\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriterRollsShardsByRowCount(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	cfg := DefaultWriterConfig()
	cfg.RollByRows = 1
	w, err := NewWriter(out, []string{"a"}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	col := batch.NewColumn(dtype.I64, 2)
	col.AppendInt(1)
	col.AppendInt(2)
	bat := &batch.Batch{Names: []string{"a"}, Columns: []*batch.Column{col}}
	if err := w.WriteBatch(bat); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	wantShards := map[string]string{
		out + ".0000": "a\n1\n",
		out + ".0001": "a\n2\n",
	}
	for shard, want := range wantShards {
		got, err := os.ReadFile(shard)
		if err != nil {
			t.Fatalf("reading %s: %v", shard, err)
		}
		if string(got) != want {
			t.Fatalf("shard %s = %q, want %q", shard, got, want)
		}
	}
}
