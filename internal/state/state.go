// Package state persists per-file progress and run totals as a single
// self-describing JSON document, written via the write-tmp/fsync/rename
// sequence that makes the on-disk file atomic under POSIX rename
// semantics, so a crash mid-write never leaves a torn file.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sempervent/streaming-parquet/internal/cerrors"
)

const Version = 1

// FileState records one input's durable progress.
type FileState struct {
	Path           string `json:"path"`
	Processed      bool   `json:"processed"`
	LastByteOffset *int64 `json:"last_byte_offset,omitempty"`
	LastRowGroup   *int   `json:"last_row_group,omitempty"`
	BytesDone      int64  `json:"bytes_done"`
	RowsDone       int64  `json:"rows_done"`
	Size           int64  `json:"size"`
	ModTime        int64  `json:"mtime"` // unix nanos
}

// Totals aggregates counters across the whole run, including those that
// survive a resume (coercion losses, record overflows).
type Totals struct {
	Files         int   `json:"files"`
	Bytes         int64 `json:"bytes"`
	Rows          int64 `json:"rows"`
	CoercionLoss  int64 `json:"coercion_loss"`
	RecordOverflow int64 `json:"record_overflow"`
}

// RunState is the single document persisted to the state file.
type RunState struct {
	Version      int                   `json:"version"`
	RunID        string                `json:"run_id"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	OutputPath   string                `json:"output_path"`
	OutputFormat string                `json:"output_format"`
	Totals       Totals                `json:"totals"`
	Files        map[string]FileState  `json:"files"`

	// unknown captures fields this version doesn't recognize, so a
	// rewrite by an older or newer binary preserves them.
	unknown map[string]json.RawMessage
}

// New creates a fresh RunState for a new run.
func New(outputPath, outputFormat string) *RunState {
	now := time.Now()
	return &RunState{
		Version:      Version,
		RunID:        uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		OutputPath:   outputPath,
		OutputFormat: outputFormat,
		Files:        map[string]FileState{},
	}
}

// Store persists RunState documents atomically and loads them back.
type Store struct {
	Path string
}

// NewStore binds a Store to the given state file path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load reads the persisted RunState, or returns (nil, false, nil) if no
// state file exists yet.
func (s *Store) Load() (*RunState, bool, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, cerrors.Wrap(cerrors.State, err, "reading "+s.Path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, cerrors.Wrap(cerrors.State, err, "parsing "+s.Path)
	}

	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, false, cerrors.Wrap(cerrors.State, err, "decoding "+s.Path)
	}
	for _, known := range []string{"version", "run_id", "created_at", "updated_at", "output_path", "output_format", "totals", "files"} {
		delete(raw, known)
	}
	rs.unknown = raw
	return &rs, true, nil
}

// Save writes rs to a temp file, fsyncs it, and renames it over the
// configured path — the only write path this store offers, so every
// checkpoint is crash-atomic.
func (s *Store) Save(rs *RunState) error {
	rs.UpdatedAt = time.Now()

	merged := map[string]json.RawMessage{}
	for k, v := range rs.unknown {
		merged[k] = v
	}
	encode := func(v interface{}) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	merged["version"] = encode(rs.Version)
	merged["run_id"] = encode(rs.RunID)
	merged["created_at"] = encode(rs.CreatedAt)
	merged["updated_at"] = encode(rs.UpdatedAt)
	merged["output_path"] = encode(rs.OutputPath)
	merged["output_format"] = encode(rs.OutputFormat)
	merged["totals"] = encode(rs.Totals)
	merged["files"] = encode(rs.Files)

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return cerrors.Wrap(cerrors.State, err, "encoding state")
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return cerrors.Wrap(cerrors.Io, err, "creating temp state file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return cerrors.Wrap(cerrors.Io, err, "writing temp state file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return cerrors.Wrap(cerrors.Io, err, "fsyncing temp state file")
	}
	if err := tmp.Close(); err != nil {
		return cerrors.Wrap(cerrors.Io, err, "closing temp state file")
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return cerrors.Wrap(cerrors.Io, err, "renaming state file into place")
	}
	return nil
}

// Comparison is the outcome of comparing a discovered input against its
// stored FileState.
type Comparison int

const (
	Fresh       Comparison = iota // no prior state for this path
	Unchanged              // size+mtime match; resume or skip
	Invalidated             // size+mtime differ; restart the file
)

// Compare resolves how path's discovered (size, mtime) relates to its
// stored FileState, per the resume contract in the state store design.
func Compare(stored FileState, size int64, modTime time.Time, hadEntry bool) Comparison {
	if !hadEntry {
		return Fresh
	}
	if stored.Size == size && stored.ModTime == modTime.UnixNano() {
		return Unchanged
	}
	return Invalidated
}
