package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const testCueSchema = `
package config
#Config: {
  out: string
  out_format: string
  delimiter: string
  quote: string
  no_headers: bool
  encoding: string
  na: [...string]
  columns: [...string]
  exclude: [...string]
  rename: [...string]
  reorder: bool
  stringify_conflicts: bool
  infer_rows: int
  roll_by_bytes: int
  roll_by_rows: int
  compression: string
  zstd_level: int
  concurrency: int
  writer_buffer_mb: int
  mem_budget_mb: int
  no_recursive: bool
  follow_symlinks: bool
  state: string
}
`

func writeTestSchema(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.cue")
	if err := os.WriteFile(path, []byte(testCueSchema), 0o644); err != nil {
		t.Fatalf("writing test CUE schema: %v", err)
	}
	return path
}

func TestLoadAndExpansion(t *testing.T) {
	dir := t.TempDir()
	cuePath := writeTestSchema(t, dir)
	yamlPath := filepath.Join(dir, "maw.yml")

	_ = os.Unsetenv("TEST_MAW_STATE_DIR")
	yamlData := `compression: zstd
zstd_level: 9
state: "${TEST_MAW_STATE_DIR:=~/test_maw_state}/run.json"
`
	if err := os.WriteFile(yamlPath, []byte(yamlData), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	fc, err := Load(yamlPath, cuePath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fc.Compression != "zstd" || fc.ZstdLevel != 9 {
		t.Errorf("Compression/ZstdLevel = %q/%d; want zstd/9", fc.Compression, fc.ZstdLevel)
	}
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, "test_maw_state", "run.json")
	if fc.State != want {
		t.Errorf("State = %q; want %q", fc.State, want)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	cuePath := writeTestSchema(t, dir)
	yamlPath := filepath.Join(dir, "maw.yml")
	if err := os.WriteFile(yamlPath, []byte(`state: "${TEST_MAW_STATE_DIR:=~/ignored}/run.json"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("TEST_MAW_STATE_DIR", "/tmp/override_maw")
	defer os.Unsetenv("TEST_MAW_STATE_DIR")

	fc, err := Load(yamlPath, cuePath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join("/tmp/override_maw", "run.json")
	if fc.State != want {
		t.Errorf("State = %q; want %q", fc.State, want)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	cuePath := writeTestSchema(t, dir)
	yamlPath := filepath.Join(dir, "maw.yml")
	if err := os.WriteFile(yamlPath, []byte("bogus_field: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(yamlPath, cuePath)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestMergeOnlyAppliesUnsetFlags(t *testing.T) {
	opts := Defaults()
	opts.Compression = "snappy" // simulates a flag the user set explicitly

	fc := &FileConfig{
		Compression: "zstd",
		ZstdLevel:   7,
		Concurrency: 8,
	}
	unset := map[string]bool{
		"compression": false, // user passed --compression
		"zstd-level":  true,
		"concurrency": true,
	}

	merged := Merge(opts, fc, unset)
	if merged.Compression != "snappy" {
		t.Errorf("Compression = %q; want snappy (CLI flag wins)", merged.Compression)
	}
	if merged.ZstdLevel != 7 {
		t.Errorf("ZstdLevel = %d; want 7 from file", merged.ZstdLevel)
	}
	if merged.Concurrency != 8 {
		t.Errorf("Concurrency = %d; want 8 from file", merged.Concurrency)
	}
}

func TestMergeNilFileConfigIsNoop(t *testing.T) {
	opts := Defaults()
	merged := Merge(opts, nil, map[string]bool{"compression": true})
	if !reflect.DeepEqual(merged, opts) {
		t.Fatalf("Merge with nil FileConfig changed opts: %+v vs %+v", merged, opts)
	}
}
