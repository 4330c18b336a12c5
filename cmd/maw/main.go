// Command maw concatenates many delimited-text and Parquet inputs into a
// single logical output stream, unifying their schemas with a
// deterministic widening lattice and streaming through a bounded
// producer/consumer pipeline with resumable checkpoints.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sempervent/streaming-parquet/internal/cerrors"
	cfgpkg "github.com/sempervent/streaming-parquet/internal/config"
	"github.com/sempervent/streaming-parquet/internal/csvio"
	"github.com/sempervent/streaming-parquet/internal/discover"
	"github.com/sempervent/streaming-parquet/internal/logging"
	"github.com/sempervent/streaming-parquet/internal/parquetio"
	"github.com/sempervent/streaming-parquet/internal/pipeline"
	"github.com/sempervent/streaming-parquet/internal/progress"
	"github.com/sempervent/streaming-parquet/internal/schema"
	"github.com/sempervent/streaming-parquet/internal/state"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var opts = cfgpkg.Defaults()

var (
	flagConfigPath   string
	flagConfigSchema string
	flagJSONLogs     bool
	flagVerbose      int
	flagQuiet        int
	flagNA           string
	flagColumns      string
	flagExclude      string
)

var rootCmd = &cobra.Command{
	Use:   "maw",
	Short: "Concatenate CSV and Parquet inputs into one unified stream.",
	Long: `maw reads many delimited-text and Parquet files, computes a single
unified schema across them with deterministic type widening, and streams
the concatenation to a CSV or Parquet output with bounded memory,
parallel decoding, and resumable checkpoints.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRoot,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("maw %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", date)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	_ = godotenv.Load()

	flags := rootCmd.Flags()
	flags.StringVar(&opts.Out, "out", opts.Out, "output file path (prefix, when rolling)")
	flags.StringVar(&opts.OutFormat, "out-format", opts.OutFormat, "csv|parquet (default: inferred from --out extension)")

	flags.StringVar(&opts.Delimiter, "delimiter", opts.Delimiter, "field delimiter character")
	flags.StringVar(&opts.Quote, "quote", opts.Quote, "quote character")
	flags.BoolVar(&opts.NoHeaders, "no-headers", opts.NoHeaders, "treat the first record as data, not a header")
	flags.StringVar(&opts.Encoding, "encoding", opts.Encoding, "utf8|latin1")
	flags.StringVar(&flagNA, "na", strings.Join(opts.NA, ","), "comma-separated tokens treated as null")

	flags.StringVar(&flagColumns, "columns", "", "comma-separated unified column names to include")
	flags.StringVar(&flagExclude, "exclude", "", "comma-separated unified column names to drop")
	flags.StringArrayVar(&opts.Rename, "rename", nil, "OLD=NEW column rename, repeatable")
	flags.BoolVar(&opts.Reorder, "reorder", opts.Reorder, "sort unified columns alphabetically instead of by first appearance")
	flags.BoolVar(&opts.StringifyConflicts, "stringify-conflicts", opts.StringifyConflicts, "fall back to utf8 instead of failing on an irreconcilable type conflict")
	flags.IntVar(&opts.InferRows, "infer-rows", opts.InferRows, "rows sampled per input to infer its schema")

	flags.Int64Var(&opts.RollByBytes, "roll-by-bytes", opts.RollByBytes, "roll the output to a new shard after this many bytes (0 disables)")
	flags.Int64Var(&opts.RollByRows, "roll-by-rows", opts.RollByRows, "roll the output to a new shard after this many rows (0 disables)")

	flags.StringVar(&opts.Compression, "compression", opts.Compression, "none|snappy|gzip|zstd (parquet only)")
	flags.IntVar(&opts.ZstdLevel, "zstd-level", opts.ZstdLevel, "zstd compression level, 1..19")

	flags.IntVar(&opts.Concurrency, "concurrency", opts.Concurrency, "number of parallel decoder workers")
	flags.IntVar(&opts.WriterBufferMB, "writer-buffer", opts.WriterBufferMB, "writer buffer size in MiB")
	flags.IntVar(&opts.MemBudgetMB, "mem-budget", opts.MemBudgetMB, "soft memory budget in MiB, throttling decoders (0 disables)")

	flags.BoolVar(&opts.NoRecursive, "no-recursive", opts.NoRecursive, "do not descend into subdirectories")
	flags.BoolVar(&opts.FollowSymlinks, "follow-symlinks", opts.FollowSymlinks, "follow symlinked directories during discovery")

	flags.StringVar(&opts.State, "state", opts.State, "path to the run state file")
	flags.BoolVar(&opts.Resume, "resume", opts.Resume, "resume from the state file at --state")
	flags.BoolVar(&opts.Verify, "verify", opts.Verify, "read back the output after writing and compare against run totals")

	flags.BoolVar(&opts.Plan, "plan", opts.Plan, "print the resolved plan and exit")
	flags.BoolVar(&opts.DryRun, "dry-run", opts.DryRun, "execute discovery, schema unification, and decoding, but write no output")

	flags.StringVarP(&flagConfigPath, "config", "c", "", "optional YAML config file supplying defaults for unset flags")
	flags.StringVar(&flagConfigSchema, "config-schema", "", "CUE schema path validating --config (default: embedded schema)")
	flags.BoolVar(&flagJSONLogs, "json-logs", false, "emit logs as JSON instead of text")
	flags.CountVarP(&flagVerbose, "verbose", "v", "increase log verbosity")
	flags.CountVarP(&flagQuiet, "quiet", "q", "decrease log verbosity")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Options{JSON: flagJSONLogs, Verbose: flagVerbose, Quiet: flagQuiet})

	if flagColumns != "" {
		opts.Columns = splitCSVList(flagColumns)
	}
	if flagExclude != "" {
		opts.Exclude = splitCSVList(flagExclude)
	}
	opts.NA = splitCSVList(flagNA)

	if flagConfigPath != "" {
		fc, err := cfgpkg.Load(flagConfigPath, flagConfigSchema)
		if err != nil {
			return exitWith(logger, cerrors.Wrap(cerrors.InvalidInput, err, "loading config"))
		}
		opts = cfgpkg.Merge(opts, fc, unsetFlags(cmd))
	}

	if len(args) == 0 {
		return exitWith(logger, cerrors.New(cerrors.InvalidInput, "no inputs given"))
	}
	if opts.Out == "" && !opts.Plan {
		return exitWith(logger, cerrors.New(cerrors.InvalidInput, "--out is required"))
	}

	descriptors, err := discover.Expand(args, discover.Options{
		Recursive:      !opts.NoRecursive,
		FollowSymlinks: opts.FollowSymlinks,
	})
	if err != nil {
		return exitWith(logger, cerrors.Wrap(cerrors.Io, err, "discovering inputs"))
	}
	if len(descriptors) == 0 {
		return exitWith(logger, cerrors.New(cerrors.InvalidInput, "no files discovered"))
	}

	dialect := buildDialect(opts)

	inputSchemas := make([]schema.Schema, len(descriptors))
	for i, d := range descriptors {
		s, err := sampleSchema(d, dialect, opts.InferRows)
		if err != nil {
			return exitWith(logger, cerrors.WithInput(cerrors.Wrap(cerrors.BadRecord, err, "sampling schema"), d.Path, 0))
		}
		inputSchemas[i] = s
	}

	renameMap := parseRenames(opts.Rename)
	policy := schema.Policy{
		Renames:            renameMap,
		Include:            opts.Columns,
		Exclude:            opts.Exclude,
		Reorder:            opts.Reorder,
		StringifyConflicts: opts.StringifyConflicts,
	}
	builder := schema.NewBuilder(policy)
	for i, s := range inputSchemas {
		if _, err := builder.Add(s); err != nil {
			return exitWith(logger, cerrors.WithInput(cerrors.Wrap(cerrors.SchemaConflict, err, "unifying schema"), descriptors[i].Path, 0))
		}
	}
	unified := builder.Build()
	renameMaps := unified.RenameMaps

	outFormat := resolveOutputFormat(opts.OutFormat, opts.Out)

	if outFormat == outParquet && strings.EqualFold(opts.Compression, "zstd") && opts.ZstdLevel != cfgpkg.Defaults().ZstdLevel {
		logger.Warn("--zstd-level has no effect: the parquet writer does not expose a compression level knob, the library's default level is always used", "requested", opts.ZstdLevel)
	}

	if opts.Plan {
		printPlan(descriptors, unified, opts, outFormat)
		return nil
	}

	var store *state.Store
	var run *state.RunState
	if opts.State != "" {
		store = state.NewStore(opts.State)
		if opts.Resume {
			loaded, ok, loadErr := store.Load()
			if loadErr != nil {
				return exitWith(logger, cerrors.Wrap(cerrors.State, loadErr, "loading state"))
			}
			if ok {
				run = loaded
			} else {
				logger.Warn("--resume requested but no state file found, starting fresh", "state", opts.State)
				run = state.New(opts.Out, outFormat.String())
			}
		} else {
			run = state.New(opts.Out, outFormat.String())
		}
	}

	outPath := opts.Out
	if opts.DryRun {
		outPath = os.DevNull
	}

	cfg := pipeline.Config{
		Inputs:              descriptors,
		InputSchemas:         inputSchemas,
		Unified:              unified,
		RenameMaps:           renameMaps,
		OutputPath:           outPath,
		OutputFormat:         toOutputFormat(outFormat),
		Concurrency:          opts.Concurrency,
		QueueCapacity:        8,
		BatchSize:            dialect.BatchSize,
		MemBudgetMB:          opts.MemBudgetMB,
		Dialect:              dialect,
		CSVWriterConfig:      buildCSVWriterConfig(opts),
		ParquetWriterConfig:  buildParquetWriterConfig(opts),
		StringifyConflicts:   opts.StringifyConflicts,
		Store:                store,
		Run:                  run,
		Progress:             &progress.Counters{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("received shutdown signal, cancelling run")
		cancel()
	}()

	sched := pipeline.New(cfg)
	runErr := sched.Run(ctx)

	snap := cfg.Progress.Snapshot()
	logger.Info("run finished",
		"files_total", snap.FilesTotal, "files_done", snap.FilesDone,
		"rows_read", snap.RowsRead, "rows_written", snap.RowsWritten,
		"coercion_loss", snap.CoercionLoss, "record_overflow", snap.RecordOverflow)

	if runErr != nil {
		return exitWith(logger, runErr)
	}

	if opts.Verify && !opts.DryRun {
		if err := verifyOutput(cfg, snap); err != nil {
			return exitWith(logger, cerrors.Wrap(cerrors.Io, err, "verifying output"))
		}
		logger.Info("verify passed")
	}

	return nil
}

// exitWith logs err and exits the process with its mapped code.
func exitWith(logger *slog.Logger, err error) error {
	cerrors.Log(logger, err)
	os.Exit(cerrors.ExitCode(err))
	return nil
}

// unsetFlags returns, for every flag name config.Merge consults, whether
// the user left it at its default (true) or passed it explicitly (false).
func unsetFlags(cmd *cobra.Command) map[string]bool {
	names := []string{
		"out", "out-format", "delimiter", "quote", "no-headers", "encoding", "na",
		"columns", "exclude", "rename", "reorder", "stringify-conflicts", "infer-rows",
		"roll-by-bytes", "roll-by-rows", "compression", "zstd-level",
		"concurrency", "writer-buffer", "mem-budget",
		"no-recursive", "follow-symlinks", "state",
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = !cmd.Flags().Changed(n)
	}
	return out
}

func splitCSVList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func parseRenames(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		old, new_, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		out[old] = new_
	}
	return out
}

func buildDialect(o cfgpkg.Options) csvio.Dialect {
	d := csvio.DefaultDialect()
	if o.Delimiter != "" {
		d.Delimiter = o.Delimiter[0]
	}
	if o.Quote != "" {
		d.Quote = o.Quote[0]
	}
	d.HasHeaders = !o.NoHeaders
	d.Encoding = o.Encoding
	if len(o.NA) > 0 {
		d.NATokens = o.NA
	}
	return d
}

func buildCSVWriterConfig(o cfgpkg.Options) csvio.WriterConfig {
	cfg := csvio.DefaultWriterConfig()
	if o.Delimiter != "" {
		cfg.Delimiter = o.Delimiter[0]
	}
	if o.Quote != "" {
		cfg.Quote = o.Quote[0]
	}
	cfg.RollByBytes = o.RollByBytes
	cfg.RollByRows = o.RollByRows
	return cfg
}

func buildParquetWriterConfig(o cfgpkg.Options) parquetio.WriterConfig {
	cfg := parquetio.DefaultWriterConfig()
	switch strings.ToLower(o.Compression) {
	case "snappy":
		cfg.Compression = parquetio.CompressionSnappy
	case "gzip":
		cfg.Compression = parquetio.CompressionGzip
	case "zstd":
		cfg.Compression = parquetio.CompressionZstd
		cfg.ZstdLevel = o.ZstdLevel
	default:
		cfg.Compression = parquetio.CompressionNone
	}
	cfg.RollByBytes = o.RollByBytes
	cfg.RollByRows = o.RollByRows
	return cfg
}

type outputFormatName int

const (
	outCSV outputFormatName = iota
	outParquet
)

func (f outputFormatName) String() string {
	if f == outParquet {
		return "parquet"
	}
	return "csv"
}

func toOutputFormat(f outputFormatName) pipeline.OutputFormat {
	if f == outParquet {
		return pipeline.OutputParquet
	}
	return pipeline.OutputCSV
}

// resolveOutputFormat honors an explicit --out-format, else infers from
// the output path's extension, else falls back to text.
func resolveOutputFormat(explicit, outPath string) outputFormatName {
	switch strings.ToLower(explicit) {
	case "parquet":
		return outParquet
	case "csv":
		return outCSV
	}
	if strings.EqualFold(filepath.Ext(outPath), ".parquet") {
		return outParquet
	}
	return outCSV
}

func sampleSchema(d discover.Descriptor, dialect csvio.Dialect, inferRows int) (schema.Schema, error) {
	if d.Format == discover.Parquet {
		return parquetio.InferSchema(d.Path, inferRows)
	}
	return csvio.InferSchema(d.Path, dialect, inferRows)
}

// printPlan renders the resolved plan per SPEC_FULL's expansion of
// --plan into a human-readable document instead of a single log line.
func printPlan(descriptors []discover.Descriptor, unified schema.Unified, o cfgpkg.Options, outFormat outputFormatName) {
	fmt.Println("plan:")
	fmt.Printf("  output: %s (%s)\n", o.Out, outFormat)
	fmt.Printf("  concurrency: %d\n", o.Concurrency)
	fmt.Println("  inputs:")
	for _, d := range descriptors {
		fmt.Printf("    - %s  format=%s  size=%d\n", d.Path, d.Format, d.Size)
	}
	fmt.Println("  unified schema:")
	for _, c := range unified.Columns {
		fmt.Printf("    - %s: %s\n", c.Name, c.Dtype)
	}
}

// verifyOutput reads the written output back and compares its row count
// against the run's rows-written progress counter, per SPEC_FULL's
// supplemented --verify behavior. With rolling on, a CSV output only has
// its first shard's header checked and a Parquet output is not read back.
func verifyOutput(cfg pipeline.Config, snap progress.Snapshot) error {
	rolling := cfg.CSVWriterConfig.RollByBytes > 0 || cfg.CSVWriterConfig.RollByRows > 0 ||
		cfg.ParquetWriterConfig.RollByBytes > 0 || cfg.ParquetWriterConfig.RollByRows > 0

	if cfg.OutputFormat == pipeline.OutputParquet {
		if rolling {
			return nil
		}
		return verifyParquetRows(cfg, snap)
	}
	if rolling {
		return verifyCSVHeader(cfg.OutputPath + ".0000", cfg)
	}
	return verifyCSVFull(cfg, snap)
}

func verifyCSVHeader(path string, cfg pipeline.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	header := make([]byte, 0, 256)
	buf := make([]byte, 1)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			header = append(header, buf[0])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	want := strings.Join(cfg.Unified.ColumnNames(), string(cfg.CSVWriterConfig.Delimiter))
	if string(header) != want {
		return fmt.Errorf("shard header = %q; want %q", header, want)
	}
	return nil
}

func verifyCSVFull(cfg pipeline.Config, snap progress.Snapshot) error {
	if err := verifyCSVHeader(cfg.OutputPath, cfg); err != nil {
		return err
	}
	data, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	gotRows := int64(len(lines) - 1)
	if gotRows != snap.RowsWritten {
		return fmt.Errorf("output has %d data rows; run totals report %d", gotRows, snap.RowsWritten)
	}
	return nil
}

func verifyParquetRows(cfg pipeline.Config, snap progress.Snapshot) error {
	r, err := parquetio.NewReader(cfg.OutputPath, cfg.Unified.Columns, 0)
	if err != nil {
		return err
	}
	defer r.Close()

	var total int64
	for {
		bat, err := r.ReadBatch(65536)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		total += int64(bat.Len())
	}
	if total != snap.RowsWritten {
		return fmt.Errorf("output has %d rows; run totals report %d", total, snap.RowsWritten)
	}
	return nil
}
