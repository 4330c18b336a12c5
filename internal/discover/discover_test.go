package discover

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExpandSortsAndDedups(t *testing.T) {
	dir := t.TempDir()
	b := filepath.Join(dir, "b.csv")
	a := filepath.Join(dir, "a.csv")
	writeFile(t, b)
	writeFile(t, a)

	got, err := Expand([]string{b, a, a}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d; want 2", len(got))
	}
	if got[0].Path != a || got[1].Path != b {
		t.Fatalf("order = %v, %v; want %v, %v", got[0].Path, got[1].Path, a, b)
	}
}

func TestExpandFormatDetection(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "x.csv")
	pqPath := filepath.Join(dir, "x.parquet")
	writeFile(t, csvPath)
	writeFile(t, pqPath)

	got, err := Expand([]string{csvPath, pqPath}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	byPath := map[string]Format{}
	for _, d := range got {
		byPath[d.Path] = d.Format
	}
	if byPath[csvPath] != CSV {
		t.Errorf("csv format = %v; want CSV", byPath[csvPath])
	}
	if byPath[pqPath] != Parquet {
		t.Errorf("parquet format = %v; want Parquet", byPath[pqPath])
	}
}

func TestExpandStdin(t *testing.T) {
	got, err := Expand([]string{"-"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Path != "-" {
		t.Fatalf("got = %v", got)
	}
}

func TestExpandDirectoryNonRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "top.csv"))
	writeFile(t, filepath.Join(dir, "sub", "nested.csv"))

	got, err := Expand([]string{dir}, Options{Recursive: false})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || filepath.Base(got[0].Path) != "top.csv" {
		t.Fatalf("got = %v; want only top.csv", got)
	}
}

func TestExpandDirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "top.csv"))
	writeFile(t, filepath.Join(dir, "sub", "nested.csv"))

	got, err := Expand([]string{dir}, Options{Recursive: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d; want 2", len(got))
	}
}

func TestExpandExcludePattern(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keep.csv"))
	writeFile(t, filepath.Join(dir, "skip.csv"))

	got, err := Expand([]string{dir}, Options{Recursive: true, Exclude: []string{"**/skip.csv"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range got {
		if filepath.Base(d.Path) == "skip.csv" {
			t.Fatalf("skip.csv should have been excluded, got %v", got)
		}
	}
}
