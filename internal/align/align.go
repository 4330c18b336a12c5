// Package align implements the BatchAligner/Coercer: resolving a source
// batch's columns onto the unified schema by name, null-filling absent
// columns, and coercing dtypes per the widening lattice.
package align

import (
	"strconv"
	"strings"
	"time"

	"github.com/sempervent/streaming-parquet/internal/batch"
	"github.com/sempervent/streaming-parquet/internal/cerrors"
	"github.com/sempervent/streaming-parquet/internal/dtype"
	"github.com/sempervent/streaming-parquet/internal/schema"
)

// Aligner coerces source batches onto a fixed unified schema.
type Aligner struct {
	Unified            schema.Unified
	StringifyConflicts bool

	// CoercionLoss counts values that were nulled out by a numeric
	// overflow during widening. Never reset by the aligner; the caller
	// snapshots it into RunState.Totals.
	CoercionLoss int64
}

// NewAligner builds an Aligner for the given unified schema.
func NewAligner(unified schema.Unified, stringifyConflicts bool) *Aligner {
	return &Aligner{Unified: unified, StringifyConflicts: stringifyConflicts}
}

// Align maps src, whose columns were named using renameMap (source name ->
// unified name), onto a.Unified, producing a new batch with exactly the
// unified schema's columns in its order.
func (a *Aligner) Align(src *batch.Batch, renameMap map[string]string) (*batch.Batch, error) {
	rows := src.Len()
	out := &batch.Batch{
		Columns:    make([]*batch.Column, len(a.Unified.Columns)),
		Names:      make([]string, len(a.Unified.Columns)),
		InputIndex: src.InputIndex,
		BatchIndex: src.BatchIndex,
	}

	// index source columns by their already-renamed unified name, once
	// per batch rather than per column.
	bySourceUnifiedName := map[string]int{}
	for srcName, unifiedName := range renameMap {
		if _, _, ok := src.ColumnByName(srcName); ok {
			bySourceUnifiedName[unifiedName] = mustIndex(src, srcName)
		}
	}

	for i, col := range a.Unified.Columns {
		out.Names[i] = col.Name
		dst := batch.NewColumn(col.Dtype, rows)

		srcIdx, present := bySourceUnifiedName[col.Name]
		if !present {
			for j := 0; j < rows; j++ {
				dst.AppendNull()
			}
			out.Columns[i] = dst
			continue
		}

		srcCol := src.Columns[srcIdx]
		if err := a.coerceInto(dst, srcCol, col.Dtype); err != nil {
			return nil, err
		}
		out.Columns[i] = dst
	}
	return out, nil
}

func mustIndex(b *batch.Batch, name string) int {
	_, idx, _ := b.ColumnByName(name)
	return idx
}

// coerceInto fills dst (of dtype target) row by row from src, applying the
// lattice's coercion rules. A value that is null in src stays null
// regardless of target type.
func (a *Aligner) coerceInto(dst *batch.Column, src *batch.Column, target dtype.Dtype) error {
	for i := 0; i < src.Len(); i++ {
		if !src.Valid[i] {
			dst.AppendNull()
			continue
		}
		if src.Dtype == target {
			passthroughValue(dst, src, i)
			continue
		}
		ok, err := a.coerceValue(dst, src, i, target)
		if err != nil {
			return err
		}
		if !ok {
			dst.AppendNull()
		}
	}
	return nil
}

func passthroughValue(dst, src *batch.Column, i int) {
	switch src.Dtype {
	case dtype.Bool:
		dst.AppendBool(src.Bools[i])
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64:
		dst.AppendInt(src.Ints[i])
	case dtype.F32, dtype.F64:
		dst.AppendFloat(src.Floats[i])
	case dtype.Utf8:
		dst.AppendString(src.Strings[i])
	case dtype.Binary:
		dst.AppendBytes(src.Bytes[i])
	case dtype.Date, dtype.Datetime:
		dst.AppendTime(src.Times[i])
	default:
		dst.AppendNull()
	}
}

// coerceValue converts the value at src[i] into target's representation,
// returning ok=false (not an error) when the value coerces to null, e.g.
// an overflowed numeric widen or an unparsable string.
func (a *Aligner) coerceValue(dst *batch.Column, src *batch.Column, i int, target dtype.Dtype) (bool, error) {
	// numeric -> numeric widening
	if src.Dtype.IsNumeric() && target.IsNumeric() {
		return a.coerceNumeric(dst, src, i, target), nil
	}
	// temporal widening: Date -> Datetime at 00:00:00Z
	if src.Dtype == dtype.Date && target == dtype.Datetime {
		dst.AppendTime(time.Unix(src.Times[i], 0).UTC().UnixNano())
		return true, nil
	}
	// Bool -> numeric
	if src.Dtype == dtype.Bool && target.IsNumeric() {
		v := int64(0)
		if src.Bools[i] {
			v = 1
		}
		return a.coerceNumericFromInt(dst, v, target), nil
	}
	// Utf8 -> numeric/bool/temporal
	if src.Dtype == dtype.Utf8 {
		return coerceFromString(dst, src.Strings[i], target), nil
	}
	// anything -> Utf8: canonical textual form
	if target == dtype.Utf8 {
		dst.AppendString(Stringify(src, i))
		return true, nil
	}
	if !a.StringifyConflicts {
		return false, cerrors.New(cerrors.SchemaConflict, "cannot coerce "+src.Dtype.String()+" to "+target.String())
	}
	dst.AppendString(Stringify(src, i))
	return true, nil
}

func (a *Aligner) coerceNumeric(dst *batch.Column, src *batch.Column, i int, target dtype.Dtype) bool {
	if src.Dtype.IsFloat() {
		return a.coerceNumericFromFloat(dst, src.Floats[i], target)
	}
	return a.coerceNumericFromInt(dst, src.Ints[i], target)
}

func (a *Aligner) coerceNumericFromInt(dst *batch.Column, v int64, target dtype.Dtype) bool {
	if target.IsFloat() {
		dst.AppendFloat(float64(v))
		return true
	}
	bound, ok := intBounds[target]
	if ok && (v < bound.min || v > bound.max) {
		a.CoercionLoss++
		return false
	}
	dst.AppendInt(v)
	return true
}

func (a *Aligner) coerceNumericFromFloat(dst *batch.Column, v float64, target dtype.Dtype) bool {
	if target.IsFloat() {
		dst.AppendFloat(v)
		return true
	}
	bound, ok := intBounds[target]
	if ok && (v < float64(bound.min) || v > float64(bound.max)) {
		a.CoercionLoss++
		return false
	}
	dst.AppendInt(int64(v))
	return true
}

type bounds struct{ min, max int64 }

var intBounds = map[dtype.Dtype]bounds{
	dtype.I8:  {-128, 127},
	dtype.I16: {-32768, 32767},
	dtype.I32: {-2147483648, 2147483647},
	dtype.I64: {-9223372036854775808, 9223372036854775807},
}

func coerceFromString(dst *batch.Column, s string, target dtype.Dtype) bool {
	switch target {
	case dtype.Bool:
		switch s {
		case "true":
			dst.AppendBool(true)
		case "false":
			dst.AppendBool(false)
		default:
			return false
		}
		return true
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return false
		}
		dst.AppendInt(v)
		return true
	case dtype.F32, dtype.F64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return false
		}
		dst.AppendFloat(v)
		return true
	case dtype.Date:
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return false
		}
		dst.AppendTime(t.Unix())
		return true
	case dtype.Datetime:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return false
		}
		dst.AppendTime(t.UnixNano())
		return true
	default:
		return false
	}
}

// Stringify renders the value at src[i] into its canonical textual form:
// booleans as true/false, integers in base 10, floats in shortest
// round-trip form, dates and datetimes as ISO-8601.
func Stringify(src *batch.Column, i int) string {
	switch src.Dtype {
	case dtype.Bool:
		return strconv.FormatBool(src.Bools[i])
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64:
		return strconv.FormatInt(src.Ints[i], 10)
	case dtype.F32:
		return withDecimalPoint(strconv.FormatFloat(src.Floats[i], 'g', -1, 32))
	case dtype.F64:
		return withDecimalPoint(strconv.FormatFloat(src.Floats[i], 'g', -1, 64))
	case dtype.Date:
		return time.Unix(src.Times[i], 0).UTC().Format("2006-01-02")
	case dtype.Datetime:
		return time.Unix(0, src.Times[i]).UTC().Format(time.RFC3339)
	case dtype.Binary:
		return string(src.Bytes[i])
	default:
		return src.Strings[i]
	}
}

// withDecimalPoint ensures a float's canonical form always reads as a
// float (1 -> "1.0"), matching the writer's expectation that a widened
// integer column renders with a decimal point.
func withDecimalPoint(s string) string {
	if strings.ContainsAny(s, ".eE") || s == "NaN" || strings.Contains(s, "Inf") {
		return s
	}
	return s + ".0"
}
