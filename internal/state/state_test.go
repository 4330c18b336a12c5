package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "run.json"))

	rs := New("/tmp/out.csv", "csv")
	rs.Totals.Rows = 42
	rs.Files["a.csv"] = FileState{Path: "a.csv", Processed: true, RowsDone: 10}

	if err := store.Save(rs); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if loaded.Totals.Rows != 42 {
		t.Fatalf("Totals.Rows = %d; want 42", loaded.Totals.Rows)
	}
	if loaded.Files["a.csv"].RowsDone != 10 {
		t.Fatalf("Files[a.csv].RowsDone = %d; want 10", loaded.Files["a.csv"].RowsDone)
	}
	if loaded.RunID != rs.RunID {
		t.Fatalf("RunID not preserved across save/load")
	}
}

func TestLoadMissingFileReturnsFalse(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"))
	rs, ok, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok || rs != nil {
		t.Fatalf("expected ok=false, rs=nil; got ok=%v rs=%v", ok, rs)
	}
}

func TestSaveIsAtomicNoLeftoverTemp(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "run.json"))
	if err := store.Save(New("out.csv", "csv")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "run.json" {
			t.Fatalf("unexpected leftover file: %s", e.Name())
		}
	}
}

func TestCompareStates(t *testing.T) {
	now := time.Now()
	stored := FileState{Size: 100, ModTime: now.UnixNano()}

	if got := Compare(stored, 100, now, false); got != Fresh {
		t.Errorf("Compare(no entry) = %v; want Fresh", got)
	}
	if got := Compare(stored, 100, now, true); got != Unchanged {
		t.Errorf("Compare(same size/mtime) = %v; want Unchanged", got)
	}
	if got := Compare(stored, 200, now, true); got != Invalidated {
		t.Errorf("Compare(different size) = %v; want Invalidated", got)
	}
}

func TestUnknownFieldsPreservedOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")
	raw := `{"version":1,"run_id":"x","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z","output_path":"o.csv","output_format":"csv","totals":{"files":0,"bytes":0,"rows":0,"coercion_loss":0,"record_overflow":0},"files":{},"future_field":"keep-me"}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path)
	rs, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if err := store.Save(rs); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "future_field") {
		t.Fatalf("future_field dropped on rewrite: %s", data)
	}
}
