// Package config resolves the CLI's effective settings: cobra flags are
// primary, an optional YAML document validated against a CUE schema
// supplies defaults for flags the user did not pass, and
// ${VAR:=default}-style environment expansion applies to path-shaped
// values.
package config

import (
	"bytes"
	stdlibErrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueErrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// Options is the full set of resolved settings behind every flag in the
// CLI surface. cmd/maw populates one from cobra flags, then Merge folds
// in a FileConfig for anything the user left at its flag default.
type Options struct {
	Inputs []string

	Out       string
	OutFormat string

	Delimiter string
	Quote     string
	NoHeaders bool
	Encoding  string
	NA        []string

	Columns            []string
	Exclude            []string
	Rename             []string
	Reorder            bool
	StringifyConflicts bool
	InferRows          int

	RollByBytes int64
	RollByRows  int64

	Compression string
	ZstdLevel   int

	Concurrency    int
	WriterBufferMB int
	MemBudgetMB    int

	NoRecursive    bool
	FollowSymlinks bool

	State   string
	Resume  bool
	Verify  bool
	Plan    bool
	DryRun  bool
}

// Defaults returns the CLI's flag defaults; these also seed cobra's own
// flag defaults, so that Changed() reports false for any flag a user did
// not pass, letting FileConfig apply only to those.
func Defaults() Options {
	return Options{
		OutFormat:   "",
		Delimiter:   ",",
		Quote:       "\"",
		Encoding:    "utf8",
		NA:          []string{"NA", "null", `\N`, ""},
		InferRows:   1000,
		Compression: "none",
		ZstdLevel:   3,
		Concurrency: 4,
		MemBudgetMB: 0,
		State:       "",
	}
}

// FileConfig is the optional YAML overlay schema. Every field mirrors a
// flag; a zero value means "not set in the file", since the CUE schema
// only requires fields to be concrete, not present.
type FileConfig struct {
	Out       string   `yaml:"out" cue:"out"`
	OutFormat string   `yaml:"out_format" cue:"out_format"`
	Delimiter string   `yaml:"delimiter" cue:"delimiter"`
	Quote     string   `yaml:"quote" cue:"quote"`
	NoHeaders bool     `yaml:"no_headers" cue:"no_headers"`
	Encoding  string   `yaml:"encoding" cue:"encoding"`
	NA        []string `yaml:"na" cue:"na"`

	Columns            []string `yaml:"columns" cue:"columns"`
	Exclude            []string `yaml:"exclude" cue:"exclude"`
	Rename             []string `yaml:"rename" cue:"rename"`
	Reorder            bool     `yaml:"reorder" cue:"reorder"`
	StringifyConflicts bool     `yaml:"stringify_conflicts" cue:"stringify_conflicts"`
	InferRows          int      `yaml:"infer_rows" cue:"infer_rows"`

	RollByBytes int64 `yaml:"roll_by_bytes" cue:"roll_by_bytes"`
	RollByRows  int64 `yaml:"roll_by_rows" cue:"roll_by_rows"`

	Compression string `yaml:"compression" cue:"compression"`
	ZstdLevel   int    `yaml:"zstd_level" cue:"zstd_level"`

	Concurrency    int `yaml:"concurrency" cue:"concurrency"`
	WriterBufferMB int `yaml:"writer_buffer_mb" cue:"writer_buffer_mb"`
	MemBudgetMB    int `yaml:"mem_budget_mb" cue:"mem_budget_mb"`

	NoRecursive    bool `yaml:"no_recursive" cue:"no_recursive"`
	FollowSymlinks bool `yaml:"follow_symlinks" cue:"follow_symlinks"`

	State string `yaml:"state" cue:"state"`
}

// ErrUnknownField reports a field in the config file the CUE schema does
// not recognize.
type ErrUnknownField struct {
	Err error
}

func (e *ErrUnknownField) Error() string {
	return fmt.Sprintf("unknown field in configuration: %v", e.Err)
}

func (e *ErrUnknownField) Unwrap() error {
	return e.Err
}

// DefaultConfigPath and DefaultCueSchemaPath name the conventional config
// and schema file locations. Load does not fall back to either: given an
// empty schema path it validates against the embedded schema.
const DefaultConfigPath = "maw.yml"
const DefaultCueSchemaPath = "docs/config.cue"

var envVarWithDefaultRegex = regexp.MustCompile(`\$\{([^:}]+):=([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return path
}

// expandWithDefault expands "${VAR:=default}" and "$VAR" forms in s,
// applying expandPath to the result so a "~"-leading default also
// resolves against the user's home directory.
func expandWithDefault(s string) string {
	return envVarWithDefaultRegex.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarWithDefaultRegex.FindStringSubmatch(match)
		if len(parts) > 2 && parts[1] != "" && parts[2] != "" {
			varName, defaultValue := parts[1], parts[2]
			if value, ok := os.LookupEnv(varName); ok {
				return expandPath(value)
			}
			return expandPath(expandWithDefault(defaultValue))
		}
		if len(parts) > 3 && parts[3] != "" {
			val, _ := os.LookupEnv(parts[3])
			return expandPath(val)
		}
		return expandPath(match)
	})
}

// Load reads configPath, validates it against the CUE schema at
// cueSchemaPath (or the embedded schema if cueSchemaPath is empty), and
// returns the decoded overlay. A missing or unreadable configPath is an
// error; cmd/maw only calls Load when --config was given.
func Load(configPath, cueSchemaPath string) (*FileConfig, error) {
	yamlData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
	}

	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(yamlData))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && err != io.EOF {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, &ErrUnknownField{Err: err}
		}
		return nil, fmt.Errorf("parsing YAML from %s: %w", configPath, err)
	}

	schemaBytes := embeddedCueSchema
	if cueSchemaPath != "" {
		b, err := os.ReadFile(cueSchemaPath)
		if err != nil {
			return nil, fmt.Errorf("reading CUE schema %s: %w", cueSchemaPath, err)
		}
		schemaBytes = b
	} else {
		cueSchemaPath = "<embedded>"
	}

	ctx := cuecontext.New()
	schemaVal := ctx.CompileBytes(schemaBytes, cue.Filename(cueSchemaPath))
	if err := schemaVal.Err(); err != nil {
		return nil, fmt.Errorf("compiling CUE schema %s: %w", cueSchemaPath, err)
	}

	cueVal := ctx.Encode(fc)
	if err := cueVal.Err(); err != nil {
		return nil, fmt.Errorf("encoding config to CUE value: %w", err)
	}

	configDef := schemaVal.LookupPath(cue.ParsePath("#Config"))
	if !configDef.Exists() {
		return nil, fmt.Errorf("#Config definition not found in CUE schema %s", cueSchemaPath)
	}

	instanceVal := configDef.Unify(cueVal)
	if err := checkCueErr(instanceVal.Err(), configPath); err != nil {
		return nil, err
	}
	if err := checkCueErr(instanceVal.Validate(cue.Concrete(true)), configPath); err != nil {
		return nil, err
	}

	fc.State = expandWithDefault(fc.State)
	return &fc, nil
}

func checkCueErr(err error, configPath string) error {
	if err == nil {
		return nil
	}
	var cueErrList cueErrors.Error
	if stdlibErrors.As(err, &cueErrList) {
		for _, single := range cueErrors.Errors(cueErrList) {
			detail := cueErrors.Details(single, nil)
			if strings.Contains(detail, "field not allowed") || strings.Contains(detail, "is not a field in") {
				return &ErrUnknownField{Err: err}
			}
		}
	}
	return fmt.Errorf("validating config %s against schema: %w", configPath, err)
}

// Merge folds fc into opts, overriding only the fields named in unset
// (flags the user did not pass on the command line), so CLI flags
// always take precedence over the file.
func Merge(opts Options, fc *FileConfig, unset map[string]bool) Options {
	if fc == nil {
		return opts
	}
	if unset["out"] && fc.Out != "" {
		opts.Out = fc.Out
	}
	if unset["out-format"] && fc.OutFormat != "" {
		opts.OutFormat = fc.OutFormat
	}
	if unset["delimiter"] && fc.Delimiter != "" {
		opts.Delimiter = fc.Delimiter
	}
	if unset["quote"] && fc.Quote != "" {
		opts.Quote = fc.Quote
	}
	if unset["no-headers"] && fc.NoHeaders {
		opts.NoHeaders = fc.NoHeaders
	}
	if unset["encoding"] && fc.Encoding != "" {
		opts.Encoding = fc.Encoding
	}
	if unset["na"] && len(fc.NA) > 0 {
		opts.NA = fc.NA
	}
	if unset["columns"] && len(fc.Columns) > 0 {
		opts.Columns = fc.Columns
	}
	if unset["exclude"] && len(fc.Exclude) > 0 {
		opts.Exclude = fc.Exclude
	}
	if unset["rename"] && len(fc.Rename) > 0 {
		opts.Rename = fc.Rename
	}
	if unset["reorder"] && fc.Reorder {
		opts.Reorder = fc.Reorder
	}
	if unset["stringify-conflicts"] && fc.StringifyConflicts {
		opts.StringifyConflicts = fc.StringifyConflicts
	}
	if unset["infer-rows"] && fc.InferRows != 0 {
		opts.InferRows = fc.InferRows
	}
	if unset["roll-by-bytes"] && fc.RollByBytes != 0 {
		opts.RollByBytes = fc.RollByBytes
	}
	if unset["roll-by-rows"] && fc.RollByRows != 0 {
		opts.RollByRows = fc.RollByRows
	}
	if unset["compression"] && fc.Compression != "" {
		opts.Compression = fc.Compression
	}
	if unset["zstd-level"] && fc.ZstdLevel != 0 {
		opts.ZstdLevel = fc.ZstdLevel
	}
	if unset["concurrency"] && fc.Concurrency != 0 {
		opts.Concurrency = fc.Concurrency
	}
	if unset["writer-buffer"] && fc.WriterBufferMB != 0 {
		opts.WriterBufferMB = fc.WriterBufferMB
	}
	if unset["mem-budget"] && fc.MemBudgetMB != 0 {
		opts.MemBudgetMB = fc.MemBudgetMB
	}
	if unset["no-recursive"] && fc.NoRecursive {
		opts.NoRecursive = fc.NoRecursive
	}
	if unset["follow-symlinks"] && fc.FollowSymlinks {
		opts.FollowSymlinks = fc.FollowSymlinks
	}
	if unset["state"] && fc.State != "" {
		opts.State = fc.State
	}
	return opts
}
