// Package parquetio streams a columnar Parquet input batch-by-batch and
// writes unified batches back out as Parquet, reading and writing rows as
// generic map[string]interface{} values since the unified schema is only
// known at runtime, not as a compile-time struct.
package parquetio

import (
	"io"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"

	"github.com/sempervent/streaming-parquet/internal/batch"
	"github.com/sempervent/streaming-parquet/internal/cerrors"
	"github.com/sempervent/streaming-parquet/internal/dtype"
	"github.com/sempervent/streaming-parquet/internal/schema"
)

// Reader streams batches from a Parquet file, exposing row-group
// boundaries for resumable progress.
type Reader struct {
	path        string
	fr          source.ParquetFile
	pr          *reader.ParquetReader
	cols        []schema.Column
	rowsInGroup []int64
	numRows     int64
	consumed    int64
}

// NewReader opens path and positions the read cursor at the first row of
// row group resumeRowGroup, skipping every row of the groups before it (0
// for a fresh read).
func NewReader(path string, cols []schema.Column, resumeRowGroup int) (*Reader, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Io, err, "opening "+path)
	}
	pr, err := reader.NewParquetReader(fr, map[string]interface{}{}, 1)
	if err != nil {
		fr.Close()
		return nil, cerrors.Wrap(cerrors.BadRecord, err, "reading parquet footer of "+path)
	}

	var rowsInGroup []int64
	if pr.Footer != nil {
		for _, rg := range pr.Footer.GetRowGroups() {
			rowsInGroup = append(rowsInGroup, rg.GetNumRows())
		}
	}

	r := &Reader{
		path:        path,
		fr:          fr,
		pr:          pr,
		cols:        cols,
		rowsInGroup: rowsInGroup,
		numRows:     pr.GetNumRows(),
	}

	if resumeRowGroup > 0 {
		var skip int64
		for i := 0; i < resumeRowGroup && i < len(rowsInGroup); i++ {
			skip += rowsInGroup[i]
		}
		if skip > 0 {
			if err := pr.SkipRows(skip); err != nil {
				fr.Close()
				return nil, cerrors.Wrap(cerrors.Io, err, "skipping to resume row group in "+path)
			}
		}
		r.consumed = skip
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	r.pr.ReadStop()
	return r.fr.Close()
}

// RowGroupIndex returns the row group the most recently consumed row
// belongs to, for checkpointing.
func (r *Reader) RowGroupIndex() int {
	var total int64
	for i, n := range r.rowsInGroup {
		total += n
		if r.consumed <= total {
			return i
		}
	}
	if len(r.rowsInGroup) == 0 {
		return 0
	}
	return len(r.rowsInGroup) - 1
}

// ReadBatch reads up to batchSize rows into a batch typed per r.cols,
// returning io.EOF once the file is exhausted.
func (r *Reader) ReadBatch(batchSize int) (*batch.Batch, error) {
	remaining := r.numRows - r.consumed
	if remaining <= 0 {
		return nil, io.EOF
	}
	n := int64(batchSize)
	if n > remaining {
		n = remaining
	}

	raw := make([]interface{}, n)
	if err := r.pr.Read(&raw); err != nil {
		return nil, cerrors.Wrap(cerrors.BadRecord, err, "reading row group in "+r.path)
	}
	r.consumed += n

	bat := &batch.Batch{
		Columns: make([]*batch.Column, len(r.cols)),
		Names:   make([]string, len(r.cols)),
	}
	for i, c := range r.cols {
		bat.Columns[i] = batch.NewColumn(c.Dtype, int(n))
		bat.Names[i] = c.Name
	}

	for _, rowData := range raw {
		m, ok := rowData.(map[string]interface{})
		if !ok {
			for i := range r.cols {
				bat.Columns[i].AppendNull()
			}
			continue
		}
		for i, c := range r.cols {
			appendValue(bat.Columns[i], c.Dtype, m[c.Name])
		}
	}
	return bat, nil
}

func appendValue(col *batch.Column, target dtype.Dtype, v interface{}) {
	if v == nil {
		col.AppendNull()
		return
	}
	switch vv := v.(type) {
	case bool:
		if target == dtype.Bool {
			col.AppendBool(vv)
			return
		}
	case int32:
		if target.IsInteger() {
			col.AppendInt(int64(vv))
			return
		}
		if target.IsFloat() {
			col.AppendFloat(float64(vv))
			return
		}
	case int64:
		if target.IsInteger() {
			col.AppendInt(vv)
			return
		}
		if target.IsFloat() {
			col.AppendFloat(float64(vv))
			return
		}
	case float32:
		if target.IsFloat() {
			col.AppendFloat(float64(vv))
			return
		}
	case float64:
		if target.IsFloat() {
			col.AppendFloat(vv)
			return
		}
	case string:
		if target == dtype.Utf8 {
			col.AppendString(vv)
			return
		}
	case []byte:
		if target == dtype.Binary {
			col.AppendBytes(vv)
			return
		}
		if target == dtype.Utf8 {
			col.AppendString(string(vv))
			return
		}
	}
	col.AppendNull()
}

// InferSchema reads the column names and physical types straight out of
// the file's footer metadata rather than sampling row values, so the
// resulting schema's column order matches the file's own schema order
// exactly and is identical across repeated runs. sampleRows is unused for
// Parquet inputs, whose schema is self-describing.
func InferSchema(path string, sampleRows int) (schema.Schema, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return schema.Schema{}, cerrors.Wrap(cerrors.Io, err, "opening "+path)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, map[string]interface{}{}, 1)
	if err != nil {
		return schema.Schema{}, cerrors.Wrap(cerrors.BadRecord, err, "reading parquet footer of "+path)
	}
	defer pr.ReadStop()

	if pr.Footer == nil {
		return schema.Schema{}, nil
	}

	var cols []schema.Column
	for _, se := range pr.Footer.GetSchema() {
		if !se.IsSetType() {
			// The root and any group nodes carry NumChildren instead of a
			// physical Type; this schema is flat (tabular), so only leaf
			// elements with a physical type are real columns.
			continue
		}
		cols = append(cols, schema.Column{
			Name:     se.GetName(),
			Dtype:    parquetElementDtype(se),
			Nullable: true,
		})
	}
	return schema.Schema{Columns: cols}, nil
}

// parquetElementDtype lifts a footer schema element's physical type (and,
// where present, its converted/logical type) into the Dtype lattice,
// mirroring parquetTypeTag's mapping in the writer so a round-tripped
// column keeps its dtype, except I8 and I16, which the writer stores as
// INT32 and which read back as I32.
func parquetElementDtype(se *parquet.SchemaElement) dtype.Dtype {
	switch se.GetType() {
	case parquet.Type_BOOLEAN:
		return dtype.Bool
	case parquet.Type_INT32:
		if se.IsSetConvertedType() && se.GetConvertedType() == parquet.ConvertedType_DATE {
			return dtype.Date
		}
		return dtype.I32
	case parquet.Type_INT64:
		if se.IsSetConvertedType() {
			switch se.GetConvertedType() {
			case parquet.ConvertedType_TIMESTAMP_MILLIS, parquet.ConvertedType_TIMESTAMP_MICROS:
				return dtype.Datetime
			}
		}
		return dtype.I64
	case parquet.Type_INT96:
		return dtype.Datetime
	case parquet.Type_FLOAT:
		return dtype.F32
	case parquet.Type_DOUBLE:
		return dtype.F64
	case parquet.Type_BYTE_ARRAY, parquet.Type_FIXED_LEN_BYTE_ARRAY:
		if se.IsSetConvertedType() && se.GetConvertedType() == parquet.ConvertedType_UTF8 {
			return dtype.Utf8
		}
		return dtype.Binary
	default:
		return dtype.Utf8
	}
}
