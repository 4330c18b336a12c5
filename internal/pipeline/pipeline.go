// Package pipeline wires the decoders, aligner, writer, and state store
// into the bounded producer/consumer scheduler: N decoder workers pull
// input descriptors from a shared work queue, align each batch onto the
// unified schema, and hand it to a single writer through a bounded,
// reordering channel.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sempervent/streaming-parquet/internal/align"
	"github.com/sempervent/streaming-parquet/internal/batch"
	"github.com/sempervent/streaming-parquet/internal/cerrors"
	"github.com/sempervent/streaming-parquet/internal/csvio"
	"github.com/sempervent/streaming-parquet/internal/discover"
	"github.com/sempervent/streaming-parquet/internal/logging"
	"github.com/sempervent/streaming-parquet/internal/parquetio"
	"github.com/sempervent/streaming-parquet/internal/progress"
	"github.com/sempervent/streaming-parquet/internal/schema"
	"github.com/sempervent/streaming-parquet/internal/state"
)

// OutputFormat selects the writer implementation.
type OutputFormat int

const (
	OutputCSV OutputFormat = iota
	OutputParquet
)

// Config carries every knob the scheduler needs, assembled by the CLI
// layer from flags and defaults.
type Config struct {
	Inputs       []discover.Descriptor
	InputSchemas []schema.Schema     // one per input, its own inferred (name, dtype) pairs
	Unified      schema.Unified
	RenameMaps   []map[string]string // one per input, matching Inputs order; source_name -> unified_name

	OutputPath   string
	OutputFormat OutputFormat

	Concurrency   int
	QueueCapacity int
	BatchSize     int
	MemBudgetMB   int

	Dialect             csvio.Dialect
	CSVWriterConfig     csvio.WriterConfig
	ParquetWriterConfig parquetio.WriterConfig

	StringifyConflicts bool

	Store *state.Store
	Run   *state.RunState

	Progress *progress.Counters
}

// taggedBatch is a decoded-and-aligned batch tagged with its position in
// the overall input order, so the writer can enforce cross-input
// ordering without decoders coordinating directly.
type taggedBatch struct {
	inputIndex int
	batchIndex int
	format     discover.Format
	bat        *batch.Batch
	lastOffset int64 // byte offset (csv) after this batch
	lastGroup  int   // row group index (parquet) after this batch
	eof        bool  // true on the final (possibly empty) message for this input
	failed     bool  // true when eof marks an input stopped by BadRecord/SchemaConflict, not a clean EOF
}

// Scheduler runs the bounded producer/consumer pipeline described for
// the concatenation engine: N decoders, one bounded queue, one writer,
// with cooperative cancellation and checkpointing at batch boundaries.
type Scheduler struct {
	cfg Config

	cursor int64 // next index into cfg.Inputs, fetched atomically

	queue   chan taggedBatch
	limiter *rate.Limiter

	cancel context.CancelFunc // cancels the run's internal context; set by Run

	mu       sync.Mutex // guards Run and Store.Save calls
	firstErr atomic.Value
}

// New builds a Scheduler ready to Run.
func New(cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 65536
	}

	s := &Scheduler{
		cfg:   cfg,
		queue: make(chan taggedBatch, cfg.QueueCapacity),
	}
	if cfg.MemBudgetMB > 0 {
		// Approximate a per-batch byte budget as one token per batch,
		// refilled at a rate derived from the configured memory budget
		// so decoders throttle rather than race ahead of the writer.
		bytesPerSec := float64(cfg.MemBudgetMB) * 1024 * 1024
		batchesPerSec := bytesPerSec / float64(cfg.BatchSize*256)
		if batchesPerSec < 1 {
			batchesPerSec = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(batchesPerSec), cfg.QueueCapacity+cfg.Concurrency)
	}
	return s
}

// Run executes the full pipeline: it starts cfg.Concurrency decoder
// workers and one writer, waits for all of them, and returns the first
// error recorded by any of them. A writer error is fatal to the run; a
// BadRecord or SchemaConflict on one input stops only that input, the
// other inputs still run to completion, and that error is still returned.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	s.cfg.Progress.Start(time.Now())
	s.cfg.Progress.AddFilesTotal(int64(len(s.cfg.Inputs)))

	// runCtx is cancelled both by the caller (SIGINT/SIGTERM) and, via
	// s.cancel, by a fatal writer error. Decoders select on runCtx.Done()
	// in publish/throttle, so a writer failure unblocks any decoder
	// currently blocked sending to the full bounded queue instead of
	// leaving wg.Wait below hung forever.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.decodeLoop(runCtx)
		}()
	}

	writerErrCh := make(chan error, 1)
	go func() {
		writerErrCh <- s.writeLoop(runCtx, logger)
	}()

	wg.Wait()
	close(s.queue)

	writerErr := <-writerErrCh
	if writerErr != nil {
		s.recordErr(writerErr)
	}

	if err, ok := s.firstErr.Load().(error); ok && err != nil {
		return err
	}
	if ctx.Err() != nil {
		return cerrors.New(cerrors.Cancelled, "run cancelled")
	}
	return nil
}

func (s *Scheduler) recordErr(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, err)
}

// decodeLoop is run by each decoder worker: it repeatedly claims the
// next undecoded input from the shared cursor and streams it to the
// queue, batch by batch, in that input's own order.
func (s *Scheduler) decodeLoop(ctx context.Context) {
	for {
		idx := int(atomic.AddInt64(&s.cursor, 1)) - 1
		if idx >= len(s.cfg.Inputs) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.decodeInput(ctx, idx); err != nil {
			s.recordErr(err)
		}
	}
}

// decodeInput streams one input's batches, aligning each to the unified
// schema and publishing it to the queue tagged with its position.
func (s *Scheduler) decodeInput(ctx context.Context, idx int) error {
	in := s.cfg.Inputs[idx]
	renameMap := s.cfg.RenameMaps[idx]
	aligner := align.NewAligner(s.cfg.Unified, s.cfg.StringifyConflicts)

	fileState, hadEntry := s.lookupFileState(in.Path)
	cmp := state.Fresh
	if hadEntry {
		cmp = state.Compare(fileState, in.Size, in.ModTime, true)
	}
	if cmp == state.Unchanged && fileState.Processed {
		s.cfg.Progress.AddFilesDone(1)
		return nil
	}
	if cmp == state.Invalidated {
		logging.FromContext(ctx).Warn("state invalidated, restarting file", "path", in.Path)
		fileState = state.FileState{}
	}

	switch in.Format {
	case discover.Parquet:
		return s.decodeParquet(ctx, idx, in, renameMap, aligner, fileState, cmp)
	default:
		return s.decodeCSV(ctx, idx, in, renameMap, aligner, fileState, cmp)
	}
}

func (s *Scheduler) decodeCSV(ctx context.Context, idx int, in discover.Descriptor, renameMap map[string]string, aligner *align.Aligner, fileState state.FileState, cmp state.Comparison) error {
	resumeOffset := int64(0)
	if cmp == state.Unchanged {
		if fileState.LastByteOffset != nil {
			resumeOffset = *fileState.LastByteOffset
		}
	}

	r, err := csvio.NewReader(in.Path, s.cfg.Dialect, resumeOffset)
	if err != nil {
		// No reader means no batch was ever queued for this input, so the
		// writer's reorder buffer would otherwise wait forever on an eof
		// message at batch_index 0 that never arrives.
		s.publish(ctx, taggedBatch{inputIndex: idx, format: discover.CSV, eof: true, failed: true, lastOffset: resumeOffset})
		return cerrors.WithInput(cerrors.Wrap(cerrors.Io, err, "opening input"), in.Path, resumeOffset)
	}
	defer r.Close()

	batchIdx := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.throttle(ctx); err != nil {
			return nil
		}

		raw, err := r.ReadBatch(s.cfg.InputSchemas[idx].Columns, s.cfg.BatchSize)
		if err != nil && err != io.EOF {
			// Stop this input but still publish a terminal marker at its
			// expected batch index, so the writer's reorder buffer can
			// advance past it instead of stalling on every later input.
			s.publish(ctx, taggedBatch{inputIndex: idx, batchIndex: batchIdx, format: discover.CSV, eof: true, failed: true, lastOffset: r.Offset()})
			return cerrors.WithInput(cerrors.Wrap(cerrors.BadRecord, err, "reading batch"), in.Path, r.Offset())
		}
		if r.Overflow > 0 {
			s.cfg.Progress.AddRecordOverflow(r.Overflow)
			r.Overflow = 0
		}

		if raw != nil && raw.Len() > 0 {
			raw.InputIndex = idx
			raw.BatchIndex = batchIdx
			aligned, alignErr := aligner.Align(raw, renameMap)
			if alignErr != nil {
				s.publish(ctx, taggedBatch{inputIndex: idx, batchIndex: batchIdx, format: discover.CSV, eof: true, failed: true, lastOffset: r.Offset()})
				return cerrors.WithInput(cerrors.Wrap(cerrors.SchemaConflict, alignErr, "aligning batch"), in.Path, r.Offset())
			}
			s.cfg.Progress.AddRowsRead(int64(raw.Len()))

			tb := taggedBatch{
				inputIndex: idx,
				batchIndex: batchIdx,
				format:     discover.CSV,
				bat:        aligned,
				lastOffset: r.Offset(),
			}
			if !s.publish(ctx, tb) {
				return nil
			}
			s.cfg.Progress.AddCoercionLoss(aligner.CoercionLoss)
			aligner.CoercionLoss = 0
			batchIdx++
			continue
		}

		// ReadBatch only returns io.EOF paired with a nil batch, so
		// reaching here means this input is exhausted; signal EOF
		// explicitly so the writer can advance past it.
		s.publish(ctx, taggedBatch{inputIndex: idx, batchIndex: batchIdx, format: discover.CSV, eof: true, lastOffset: r.Offset()})
		s.cfg.Progress.AddFilesDone(1)
		return nil
	}
}

func (s *Scheduler) decodeParquet(ctx context.Context, idx int, in discover.Descriptor, renameMap map[string]string, aligner *align.Aligner, fileState state.FileState, cmp state.Comparison) error {
	resumeGroup := 0
	if cmp == state.Unchanged && fileState.LastRowGroup != nil {
		resumeGroup = *fileState.LastRowGroup
	}

	r, err := parquetio.NewReader(in.Path, s.cfg.InputSchemas[idx].Columns, resumeGroup)
	if err != nil {
		s.publish(ctx, taggedBatch{inputIndex: idx, format: discover.Parquet, eof: true, failed: true, lastGroup: resumeGroup})
		return cerrors.WithInput(cerrors.Wrap(cerrors.Io, err, "opening input"), in.Path, int64(resumeGroup))
	}
	defer r.Close()

	batchIdx := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.throttle(ctx); err != nil {
			return nil
		}

		raw, err := r.ReadBatch(s.cfg.BatchSize)
		if err != nil && err != io.EOF {
			s.publish(ctx, taggedBatch{inputIndex: idx, batchIndex: batchIdx, format: discover.Parquet, eof: true, failed: true, lastGroup: r.RowGroupIndex()})
			return cerrors.WithInput(cerrors.Wrap(cerrors.BadRecord, err, "reading batch"), in.Path, int64(r.RowGroupIndex()))
		}

		if raw != nil && raw.Len() > 0 {
			raw.InputIndex = idx
			raw.BatchIndex = batchIdx
			aligned, alignErr := aligner.Align(raw, renameMap)
			if alignErr != nil {
				s.publish(ctx, taggedBatch{inputIndex: idx, batchIndex: batchIdx, format: discover.Parquet, eof: true, failed: true, lastGroup: r.RowGroupIndex()})
				return cerrors.WithInput(cerrors.Wrap(cerrors.SchemaConflict, alignErr, "aligning batch"), in.Path, int64(r.RowGroupIndex()))
			}
			s.cfg.Progress.AddRowsRead(int64(raw.Len()))

			tb := taggedBatch{
				inputIndex: idx,
				batchIndex: batchIdx,
				format:     discover.Parquet,
				bat:        aligned,
				lastGroup:  r.RowGroupIndex(),
			}
			if !s.publish(ctx, tb) {
				return nil
			}
			s.cfg.Progress.AddCoercionLoss(aligner.CoercionLoss)
			aligner.CoercionLoss = 0
			batchIdx++
			continue
		}

		s.publish(ctx, taggedBatch{inputIndex: idx, batchIndex: batchIdx, format: discover.Parquet, eof: true, lastGroup: r.RowGroupIndex()})
		s.cfg.Progress.AddFilesDone(1)
		return nil
	}
}

// publish sends tb to the bounded queue, returning false if the run was
// cancelled while blocked on send.
func (s *Scheduler) publish(ctx context.Context, tb taggedBatch) bool {
	select {
	case s.queue <- tb:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) throttle(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *Scheduler) lookupFileState(path string) (state.FileState, bool) {
	if s.cfg.Run == nil {
		return state.FileState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.cfg.Run.Files[path]
	return fs, ok
}

// writeLoop is the pipeline's single consumer. It reorders the tagged
// batches by input_index so inputs are emitted in discovery order, and
// within each input keeps a small local slot to absorb out-of-order
// local completion, since each decoder already emits one input's
// batches in source order.
func (s *Scheduler) writeLoop(ctx context.Context, logger *slog.Logger) error {
	csvWriter, parquetWriter, err := s.openWriter()
	if err != nil {
		// Nothing will ever drain s.queue now; wake any decoder already
		// blocked sending to it instead of deadlocking wg.Wait in Run.
		s.cancel()
		return cerrors.Wrap(cerrors.Io, err, "opening output")
	}
	defer func() {
		if csvWriter != nil {
			csvWriter.Close()
		}
		if parquetWriter != nil {
			parquetWriter.Close()
		}
	}()

	pending := map[int][]taggedBatch{} // inputIndex -> out-of-order batches waiting on their slot
	nextBatchIdx := map[int]int{}      // inputIndex -> next expected batch_index
	doneInputs := map[int]bool{}
	nextInput := 0

	write := func(tb taggedBatch) error {
		if tb.bat != nil {
			var werr error
			var before int64
			if csvWriter != nil {
				before = csvWriter.TotalBytes
				werr = csvWriter.WriteBatch(tb.bat)
			} else {
				before = parquetWriter.TotalBytes
				werr = parquetWriter.WriteBatch(tb.bat)
			}
			if werr != nil {
				// Fatal to the run (spec.md §7): cancel so decoders blocked
				// on the now-permanently-full queue unblock and return
				// instead of leaving Run's wg.Wait hung forever.
				s.cancel()
				return cerrors.Wrap(cerrors.Io, werr, "writing batch")
			}
			s.cfg.Progress.AddRowsWritten(int64(tb.bat.Len()))
			if csvWriter != nil {
				s.cfg.Progress.AddBytesWritten(csvWriter.TotalBytes - before)
			} else {
				s.cfg.Progress.AddBytesWritten(parquetWriter.TotalBytes - before)
			}
		}
		// Checkpoint on every message, including the eof-only one with
		// no batch, so Processed gets recorded once an input is done.
		s.checkpoint(tb)
		return nil
	}

	drain := func(idx int) error {
		for {
			buf := pending[idx]
			sort.Slice(buf, func(i, j int) bool { return buf[i].batchIndex < buf[j].batchIndex })
			want := nextBatchIdx[idx]
			found := -1
			for i, b := range buf {
				if b.batchIndex == want {
					found = i
					break
				}
			}
			if found == -1 {
				return nil
			}
			tb := buf[found]
			pending[idx] = append(buf[:found], buf[found+1:]...)
			nextBatchIdx[idx] = want + 1
			if err := write(tb); err != nil {
				return err
			}
			if tb.eof {
				doneInputs[idx] = true
				return nil
			}
		}
	}

	// drainReady writes whatever is available for nextInput and, once
	// nextInput has fully drained to its eof batch, advances to the next
	// input and repeats. Batches for any other input only ever accumulate
	// in pending; they are never written out of discovery order, no
	// matter how far ahead of nextInput their decoder has gotten.
	drainReady := func() error {
		for nextInput < len(s.cfg.Inputs) {
			if err := drain(nextInput); err != nil {
				return err
			}
			if !doneInputs[nextInput] {
				return nil
			}
			nextInput++
		}
		return nil
	}

	// Even once ctx is cancelled, every message already queued here was
	// decoded before the signal arrived and is written rather than
	// dropped, per the requirement that a cancelled run's writer drains
	// already-queued batches for in-progress inputs before finalizing.
	// Decoders stop enqueueing new ones on their own (they check ctx.Err()
	// at every batch boundary), so this loop still terminates once they
	// exit and s.queue is closed.
	for tb := range s.queue {
		pending[tb.inputIndex] = append(pending[tb.inputIndex], tb)
		if err := drainReady(); err != nil {
			return err
		}
	}

	if err := drainReady(); err != nil {
		return err
	}

	if ctx.Err() != nil {
		logger.Warn("run cancelled, finalizing partial output")
	}

	s.finalRunCheckpoint()
	return nil
}

func (s *Scheduler) openWriter() (*csvio.Writer, *parquetio.Writer, error) {
	names := s.cfg.Unified.ColumnNames()
	switch s.cfg.OutputFormat {
	case OutputParquet:
		w, err := parquetio.NewWriter(s.cfg.OutputPath, s.cfg.Unified.Columns, s.cfg.ParquetWriterConfig)
		if err != nil {
			return nil, nil, err
		}
		return nil, w, nil
	default:
		w, err := csvio.NewWriter(s.cfg.OutputPath, names, s.cfg.CSVWriterConfig)
		if err != nil {
			return nil, nil, err
		}
		return w, nil, nil
	}
}

// checkpoint persists progress after a successfully written batch, per
// the state store's checkpoint protocol: after each completed batch's
// write, on clean shutdown, and on cancellation.
func (s *Scheduler) checkpoint(tb taggedBatch) {
	if s.cfg.Store == nil || s.cfg.Run == nil {
		return
	}
	in := s.cfg.Inputs[tb.inputIndex]

	s.mu.Lock()
	defer s.mu.Unlock()

	var rows int64
	if tb.bat != nil {
		rows = int64(tb.bat.Len())
	}

	fileState := s.cfg.Run.Files[in.Path]
	fileState.Path = in.Path
	fileState.Size = in.Size
	fileState.ModTime = in.ModTime.UnixNano()
	fileState.RowsDone += rows
	switch tb.format {
	case discover.Parquet:
		group := tb.lastGroup
		fileState.LastRowGroup = &group
	default:
		offset := tb.lastOffset
		fileState.LastByteOffset = &offset
	}
	if tb.eof && !tb.failed {
		fileState.Processed = true
	}
	s.cfg.Run.Files[in.Path] = fileState

	s.cfg.Run.Totals.Rows += rows
	if err := s.cfg.Store.Save(s.cfg.Run); err != nil {
		cerrors.Log(logging.Logger, err)
	}
}

func (s *Scheduler) finalRunCheckpoint() {
	if s.cfg.Store == nil || s.cfg.Run == nil {
		return
	}
	snap := s.cfg.Progress.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Run.Totals.Files = len(s.cfg.Run.Files)
	s.cfg.Run.Totals.Bytes = snap.BytesWritten
	s.cfg.Run.Totals.CoercionLoss += snap.CoercionLoss
	s.cfg.Run.Totals.RecordOverflow += snap.RecordOverflow
	if err := s.cfg.Store.Save(s.cfg.Run); err != nil {
		cerrors.Log(logging.Logger, err)
	}
}

