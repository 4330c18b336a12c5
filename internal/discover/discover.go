// Package discover expands the CLI's input arguments (paths, directories,
// globs, or "-" for stdin) into an ordered, deduplicated list of input
// descriptors.
package discover

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Format is the input's decoded shape.
type Format int

const (
	Unknown Format = iota
	CSV
	Parquet
)

func (f Format) String() string {
	switch f {
	case CSV:
		return "csv"
	case Parquet:
		return "parquet"
	default:
		return "unknown"
	}
}

// Descriptor captures one resolved input: its path, detected format, size
// in bytes, and modification time. Stdin is represented with Path "-" and
// a zero Size/ModTime (it is never comparable across runs).
type Descriptor struct {
	Path    string
	Format  Format
	Size    int64
	ModTime time.Time
}

// Options controls how raw CLI arguments are expanded into descriptors.
type Options struct {
	Recursive      bool // walk subdirectories of a directory argument
	FollowSymlinks bool
	Include        []string // doublestar patterns, matched during directory walks against each file's full slash-separated path (root included)
	Exclude        []string
}

// Expand turns the raw CLI input arguments into a list of descriptors
// sorted and deduplicated by path. A "-" argument is treated as stdin; its
// descriptor is sorted together with the others under the path "-" and is
// not deduplicated.
func Expand(args []string, opts Options) ([]Descriptor, error) {
	var out []Descriptor
	seen := map[string]bool{}

	add := func(path string) error {
		if seen[path] {
			return nil
		}
		seen[path] = true
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		out = append(out, Descriptor{
			Path:    path,
			Format:  detectFormat(path),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	}

	for _, arg := range args {
		if arg == "-" {
			out = append(out, Descriptor{Path: "-", Format: CSV})
			continue
		}

		info, err := os.Lstat(arg)
		if err != nil {
			return nil, err
		}
		if opts.FollowSymlinks && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(arg)
			if err != nil {
				return nil, err
			}
			info, err = os.Stat(resolved)
			if err != nil {
				return nil, err
			}
			arg = resolved
		}

		switch {
		case info.IsDir():
			if err := walkDir(arg, opts, add); err != nil {
				return nil, err
			}
		case strings.ContainsAny(arg, "*?["):
			matches, err := doublestar.FilepathGlob(arg)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				if err := add(m); err != nil {
					return nil, err
				}
			}
		default:
			if err := add(arg); err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func walkDir(root string, opts Options, add func(string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			if !opts.Recursive {
				return filepath.SkipDir
			}
			if excluded(path, opts.Exclude) {
				return filepath.SkipDir
			}
			return nil
		}
		normalized := filepath.ToSlash(path)
		if excluded(normalized, opts.Exclude) {
			return nil
		}
		if len(opts.Include) > 0 && !included(normalized, opts.Include) {
			return nil
		}
		return add(path)
	})
}

func excluded(path string, patterns []string) bool {
	for _, p := range patterns {
		if matched, _ := doublestar.Match(p, path); matched {
			return true
		}
	}
	return false
}

func included(path string, patterns []string) bool {
	for _, p := range patterns {
		if matched, _ := doublestar.Match(p, path); matched {
			return true
		}
	}
	return false
}

func detectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return Parquet
	case ".csv", ".tsv", ".txt":
		return CSV
	default:
		return CSV
	}
}
