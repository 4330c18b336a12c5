package csvio

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/sempervent/streaming-parquet/internal/batch"
	"github.com/sempervent/streaming-parquet/internal/cerrors"
	"github.com/sempervent/streaming-parquet/internal/dtype"
	"github.com/sempervent/streaming-parquet/internal/schema"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Reader streams records from a delimited-text input, publishing a byte
// offset after every fully-parsed record so a resumed run can reseek
// exactly there.
type Reader struct {
	path         string
	f            *os.File
	br           *bufio.Reader
	dialect      Dialect
	decoder      *encoding.Decoder
	offset       int64
	naSet        map[string]bool
	headerFields []string

	// Overflow counts records with more fields than the schema expects.
	// This is a warning, not an error.
	Overflow int64
}

// NewReader opens path (or "-" for stdin) and positions the cursor at
// resumeOffset, which the caller guarantees lands on a record boundary.
func NewReader(path string, d Dialect, resumeOffset int64) (*Reader, error) {
	var f *os.File
	var err error
	if path == "-" {
		f = os.Stdin
	} else {
		f, err = os.Open(path)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.Io, err, "opening "+path)
		}
	}
	if resumeOffset > 0 {
		if _, err := f.Seek(resumeOffset, io.SeekStart); err != nil {
			return nil, cerrors.Wrap(cerrors.Io, err, "seeking "+path)
		}
	}

	r := &Reader{
		path:    path,
		f:       f,
		br:      bufio.NewReaderSize(f, 64*1024),
		dialect: d,
		offset:  resumeOffset,
		naSet:   toSet(d.NATokens),
	}
	if d.Encoding == "latin1" {
		r.decoder = charmap.Windows1252.NewDecoder()
	}

	if resumeOffset == 0 {
		if err := r.stripBOM(); err != nil {
			return nil, err
		}
		if d.HasHeaders {
			fields, err := r.nextRecord()
			if err != nil && err != io.EOF {
				return nil, err
			}
			r.headerFields = fields
		}
	}
	return r, nil
}

// HeaderNames returns the column names read from the header row, if any.
func (r *Reader) HeaderNames() []string {
	return r.headerFields
}

// Offset returns the byte position following the last fully-parsed record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.f == os.Stdin {
		return nil
	}
	return r.f.Close()
}

func (r *Reader) stripBOM() error {
	peek, err := r.br.Peek(3)
	if err != nil && err != io.EOF {
		return cerrors.Wrap(cerrors.Io, err, "peeking BOM in "+r.path)
	}
	if len(peek) == 3 && peek[0] == bom[0] && peek[1] == bom[1] && peek[2] == bom[2] {
		if _, err := r.br.Discard(3); err != nil {
			return cerrors.Wrap(cerrors.Io, err, "discarding BOM in "+r.path)
		}
		r.offset += 3
	}
	return nil
}

// nextRecord accumulates raw lines until the quote count is balanced, then
// decodes and parses exactly one logical record, advancing r.offset by
// the exact number of raw bytes the record occupied.
func (r *Reader) nextRecord() ([]string, error) {
	var chunk []byte
	for {
		line, err := r.br.ReadBytes('\n')
		chunk = append(chunk, line...)
		if err != nil {
			if err == io.EOF {
				if len(chunk) == 0 {
					return nil, io.EOF
				}
				break
			}
			return nil, cerrors.Wrap(cerrors.Io, err, "reading "+r.path)
		}
		if quoteParity(chunk, r.dialect.Quote) == 0 {
			break
		}
	}
	r.offset += int64(len(chunk))

	decoded := chunk
	if r.decoder != nil {
		var err error
		decoded, err = r.decoder.Bytes(chunk)
		if err != nil {
			return nil, cerrors.New(cerrors.Encoding, "undecodable bytes in "+r.path)
		}
	}

	fields, err := parseRecord(decoded, r.dialect.Delimiter, r.dialect.Quote)
	if err != nil {
		return nil, cerrors.New(cerrors.BadRecord, "malformed quoting in "+r.path)
	}
	return fields, nil
}

// ReadBatch reads up to batchSize records into a new batch typed per cols,
// returning io.EOF once the input is exhausted with zero records read.
func (r *Reader) ReadBatch(cols []schema.Column, batchSize int) (*batch.Batch, error) {
	bat := &batch.Batch{
		Columns: make([]*batch.Column, len(cols)),
		Names:   make([]string, len(cols)),
	}
	for i, c := range cols {
		bat.Columns[i] = batch.NewColumn(c.Dtype, batchSize)
		bat.Names[i] = c.Name
	}

	count := 0
	for count < batchSize {
		fields, err := r.nextRecord()
		if err == io.EOF {
			if count == 0 {
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return nil, err
		}
		if err := r.appendRow(bat, cols, fields); err != nil {
			return nil, err
		}
		count++
	}
	return bat, nil
}

func (r *Reader) appendRow(bat *batch.Batch, cols []schema.Column, fields []string) error {
	if len(fields) > len(cols) {
		r.Overflow++
	}
	for i, c := range cols {
		if i >= len(fields) || isNA(fields[i], r.naSet) {
			bat.Columns[i].AppendNull()
			continue
		}
		field := fields[i]
		switch c.Dtype {
		case dtype.Bool:
			v, err := strconv.ParseBool(field)
			if err != nil {
				return cerrors.New(cerrors.BadRecord, "invalid bool in "+r.path+": "+field)
			}
			bat.Columns[i].AppendBool(v)
		case dtype.I8, dtype.I16, dtype.I32, dtype.I64:
			v, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return cerrors.New(cerrors.BadRecord, "invalid integer in "+r.path+": "+field)
			}
			bat.Columns[i].AppendInt(v)
		case dtype.F32, dtype.F64:
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return cerrors.New(cerrors.BadRecord, "invalid float in "+r.path+": "+field)
			}
			bat.Columns[i].AppendFloat(v)
		case dtype.Date:
			t, err := time.Parse("2006-01-02", field)
			if err != nil {
				return cerrors.New(cerrors.BadRecord, "invalid date in "+r.path+": "+field)
			}
			bat.Columns[i].AppendTime(t.Unix())
		case dtype.Datetime:
			t, err := time.Parse(time.RFC3339, field)
			if err != nil {
				return cerrors.New(cerrors.BadRecord, "invalid datetime in "+r.path+": "+field)
			}
			bat.Columns[i].AppendTime(t.UnixNano())
		case dtype.Binary:
			bat.Columns[i].AppendBytes([]byte(field))
		default:
			bat.Columns[i].AppendString(field)
		}
	}
	return nil
}

// InferSchema samples up to inferRows records from a fresh reader instance
// (independent of whatever reader is doing real consumption) and infers
// each column's dtype by the parse order Bool, I64, F64, Date, Datetime,
// else Utf8.
func InferSchema(path string, d Dialect, inferRows int) (schema.Schema, error) {
	r, err := NewReader(path, d, 0)
	if err != nil {
		return schema.Schema{}, err
	}
	defer r.Close()

	names := r.HeaderNames()
	var rows [][]string
	for len(rows) < inferRows {
		fields, err := r.nextRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return schema.Schema{}, err
		}
		if names == nil {
			names = synthNames(len(fields))
		}
		rows = append(rows, fields)
	}
	if names == nil {
		return schema.Schema{}, nil
	}

	cols := make([]schema.Column, len(names))
	for i, n := range names {
		dt := dtype.Null
		for _, row := range rows {
			if i >= len(row) || isNA(row[i], r.naSet) {
				continue
			}
			widened, ok := dtype.Widen(dt, inferValueType(row[i]))
			if !ok {
				widened = dtype.Utf8
			}
			dt = widened
		}
		if dt == dtype.Null {
			dt = dtype.Utf8
		}
		cols[i] = schema.Column{Name: n, Dtype: dt, Nullable: true}
	}
	return schema.Schema{Columns: cols}, nil
}

func inferValueType(v string) dtype.Dtype {
	if v == "true" || v == "false" {
		return dtype.Bool
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return dtype.I64
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return dtype.F64
	}
	if _, err := time.Parse("2006-01-02", v); err == nil {
		return dtype.Date
	}
	if _, err := time.Parse(time.RFC3339, v); err == nil {
		return dtype.Datetime
	}
	return dtype.Utf8
}
