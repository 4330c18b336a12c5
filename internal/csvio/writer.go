package csvio

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sempervent/streaming-parquet/internal/align"
	"github.com/sempervent/streaming-parquet/internal/batch"
	"github.com/sempervent/streaming-parquet/internal/cerrors"
)

// WriterConfig configures the delimited-text writer's dialect and rolling
// thresholds.
type WriterConfig struct {
	Delimiter   byte
	Quote       byte
	NAString    string
	RollByBytes int64
	RollByRows  int64
}

// DefaultWriterConfig mirrors the CLI's flag defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{Delimiter: ',', Quote: '"', NAString: ""}
}

// Writer emits a delimited stream, rolling to a new shard when a
// configured byte or row threshold is crossed.
type Writer struct {
	basePath string
	cfg      WriterConfig
	names    []string
	rolling  bool

	shardIndex   int
	f            *os.File
	bw           *bufio.Writer
	bytesWritten int64
	rowsWritten  int64

	TotalRows  int64
	TotalBytes int64
}

// NewWriter opens the first shard (or the sole output file, if rolling is
// disabled) and writes its header row.
func NewWriter(basePath string, names []string, cfg WriterConfig) (*Writer, error) {
	w := &Writer{
		basePath: basePath,
		cfg:      cfg,
		names:    names,
		rolling:  cfg.RollByBytes > 0 || cfg.RollByRows > 0,
	}
	if err := w.openShard(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) shardPath() string {
	if !w.rolling {
		return w.basePath
	}
	return fmt.Sprintf("%s.%04d", w.basePath, w.shardIndex)
}

func (w *Writer) openShard() error {
	path := w.shardPath()
	f, err := os.Create(path)
	if err != nil {
		return cerrors.Wrap(cerrors.Io, err, "creating "+path)
	}
	w.f = f
	w.bw = bufio.NewWriterSize(f, 256*1024)
	w.bytesWritten = 0
	w.rowsWritten = 0

	header := w.encodeRecord(w.names)
	n, err := w.bw.WriteString(header)
	if err != nil {
		return cerrors.Wrap(cerrors.Io, err, "writing header to "+path)
	}
	w.bytesWritten += int64(n)
	return nil
}

func (w *Writer) encodeRecord(fields []string) string {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(w.cfg.Delimiter)
		}
		sb.WriteString(w.encodeField(f))
	}
	sb.WriteByte('\n')
	return sb.String()
}

func (w *Writer) encodeField(f string) string {
	needsQuote := strings.IndexByte(f, w.cfg.Delimiter) >= 0 ||
		strings.IndexByte(f, w.cfg.Quote) >= 0 ||
		strings.ContainsAny(f, "\n\r")
	if !needsQuote {
		return f
	}
	quote := string(w.cfg.Quote)
	escaped := strings.ReplaceAll(f, quote, quote+quote)
	return quote + escaped + quote
}

// WriteBatch renders every row of bat as text, rolling to a new shard
// between rows if the configured threshold is crossed.
func (w *Writer) WriteBatch(bat *batch.Batch) error {
	row := make([]string, len(bat.Columns))
	for r := 0; r < bat.Len(); r++ {
		for c, col := range bat.Columns {
			if !col.Valid[r] {
				row[c] = w.cfg.NAString
				continue
			}
			row[c] = align.Stringify(col, r)
		}
		line := w.encodeRecord(row)
		n, err := w.bw.WriteString(line)
		if err != nil {
			return cerrors.Wrap(cerrors.Io, err, "writing row to "+w.shardPath())
		}
		w.bytesWritten += int64(n)
		w.rowsWritten++
		w.TotalRows++
		w.TotalBytes += int64(n)

		if w.shouldRoll() {
			if err := w.roll(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) shouldRoll() bool {
	if w.cfg.RollByRows > 0 && w.rowsWritten >= w.cfg.RollByRows {
		return true
	}
	if w.cfg.RollByBytes > 0 && w.bytesWritten >= w.cfg.RollByBytes {
		return true
	}
	return false
}

func (w *Writer) roll() error {
	if err := w.finalizeShard(); err != nil {
		return err
	}
	w.shardIndex++
	return w.openShard()
}

func (w *Writer) finalizeShard() error {
	if err := w.bw.Flush(); err != nil {
		return cerrors.Wrap(cerrors.Io, err, "flushing "+w.shardPath())
	}
	if err := w.f.Close(); err != nil {
		return cerrors.Wrap(cerrors.Io, err, "closing "+w.shardPath())
	}
	return nil
}

// Close flushes and closes the current shard. Safe to call once, at the
// end of a run or on cancellation, to leave the last shard valid.
func (w *Writer) Close() error {
	if w.bw == nil {
		return nil
	}
	return w.finalizeShard()
}
