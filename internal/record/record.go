// Package record implements the SQLite record wire format: a header of
// serial-type varints followed by packed column bodies.
package record

import (
	"fmt"
	"math"

	"github.com/sharclabs/sharc/internal/varint"
)

// Value is a tagged union of the decoded forms a record column can take.
// The SerialType is retained because re-encoding a value requires it
// (spec.md §3, entity ColumnValue).
type Value struct {
	Null       bool
	Int        int64
	Real       float64
	Text       []byte
	Blob       []byte
	SerialType varint.SerialType
}

// IsNull reports whether v holds a NULL.
func (v Value) IsNull() bool { return v.Null }

// NullValue constructs a NULL column value.
func NullValue() Value { return Value{Null: true, SerialType: varint.TypeNull} }

// IntValue constructs an integer column value, choosing the narrowest
// serial type that represents it exactly.
func IntValue(i int64) Value {
	return Value{Int: i, SerialType: varint.IntSerialType(i)}
}

// RealValue constructs a floating-point column value.
func RealValue(f float64) Value {
	return Value{Real: f, SerialType: varint.TypeFloat}
}

// TextValue constructs a text column value from raw encoded bytes.
func TextValue(b []byte) Value {
	return Value{Text: b, SerialType: varint.TextSerialType(len(b))}
}

// BlobValue constructs a blob column value.
func BlobValue(b []byte) Value {
	return Value{Blob: b, SerialType: varint.BlobSerialType(len(b))}
}

// bodySize returns the number of body bytes v occupies.
func bodySize(v Value) int {
	switch {
	case v.Null:
		return 0
	case varint.IsText(v.SerialType):
		return len(v.Text)
	case varint.IsBlob(v.SerialType):
		return len(v.Blob)
	case v.SerialType == varint.TypeFloat:
		return 8
	default:
		return varint.ContentSize(v.SerialType)
	}
}

// Encode builds the record payload for values, per spec.md §4.3: compute
// the body size, determine each column's serial type, then fixed-point
// iterate on the header-size varint (its own encoded length affects the
// header size it describes) until the length stabilises — convergence
// takes at most two passes since varint width only changes at 128/16384
// byte boundaries.
func Encode(values []Value) []byte {
	serialTypes := make([]varint.SerialType, len(values))
	bodyLen := 0
	headerTypesLen := 0
	for i, v := range values {
		serialTypes[i] = v.SerialType
		bodyLen += bodySize(v)
		headerTypesLen += varint.EncodedLength(uint64(v.SerialType))
	}

	headerSizeVarintLen := 1
	for {
		totalHeader := headerSizeVarintLen + headerTypesLen
		n := varint.EncodedLength(uint64(totalHeader))
		if n == headerSizeVarintLen {
			headerSizeVarintLen = n
			break
		}
		headerSizeVarintLen = n
	}
	headerSize := headerSizeVarintLen + headerTypesLen

	out := make([]byte, headerSize+bodyLen)
	off := 0
	off += varint.Write(out[off:], uint64(headerSize))
	for _, st := range serialTypes {
		off += varint.Write(out[off:], uint64(st))
	}
	for _, v := range values {
		off += writeBody(out[off:], v)
	}
	return out
}

func writeBody(dst []byte, v Value) int {
	switch {
	case v.Null:
		return 0
	case varint.IsText(v.SerialType):
		return copy(dst, v.Text)
	case varint.IsBlob(v.SerialType):
		return copy(dst, v.Blob)
	case v.SerialType == varint.TypeFloat:
		bits := math.Float64bits(v.Real)
		for i := 0; i < 8; i++ {
			dst[i] = byte(bits >> uint(56-8*i))
		}
		return 8
	default:
		n := varint.ContentSize(v.SerialType)
		varint.EncodeInt(v.SerialType, v.Int, dst[:n])
		return n
	}
}

// Decode parses the full record payload into a slice of Values.
func Decode(payload []byte) ([]Value, error) {
	headerSize, hn := varint.Read(payload)
	if hn == 0 || int(headerSize) > len(payload) {
		return nil, fmt.Errorf("record: corrupt header size %d", headerSize)
	}
	var serialTypes []varint.SerialType
	off := hn
	for off < int(headerSize) {
		st, n := varint.Read(payload[off:])
		if n == 0 {
			return nil, fmt.Errorf("record: corrupt serial type varint at offset %d", off)
		}
		serialTypes = append(serialTypes, varint.SerialType(st))
		off += n
	}

	values := make([]Value, len(serialTypes))
	bodyOff := int(headerSize)
	for i, st := range serialTypes {
		v, n, err := decodeOne(st, payload, bodyOff)
		if err != nil {
			return nil, err
		}
		values[i] = v
		bodyOff += n
	}
	return values, nil
}

func decodeOne(st varint.SerialType, payload []byte, off int) (Value, int, error) {
	switch {
	case st == varint.TypeNull:
		return NullValue(), 0, nil
	case st == varint.TypeZero:
		return Value{Int: 0, SerialType: st}, 0, nil
	case st == varint.TypeOne:
		return Value{Int: 1, SerialType: st}, 0, nil
	case st == varint.TypeFloat:
		n := 8
		if off+n > len(payload) {
			return Value{}, 0, fmt.Errorf("record: short body for float at offset %d", off)
		}
		var bits uint64
		for i := 0; i < 8; i++ {
			bits = (bits << 8) | uint64(payload[off+i])
		}
		return Value{Real: math.Float64frombits(bits), SerialType: st}, n, nil
	case varint.IsText(st):
		n := varint.ContentSize(st)
		if n < 0 || off+n > len(payload) {
			return Value{}, 0, fmt.Errorf("record: short body for text at offset %d", off)
		}
		return Value{Text: payload[off : off+n], SerialType: st}, n, nil
	case varint.IsBlob(st):
		n := varint.ContentSize(st)
		if n < 0 || off+n > len(payload) {
			return Value{}, 0, fmt.Errorf("record: short body for blob at offset %d", off)
		}
		return Value{Blob: payload[off : off+n], SerialType: st}, n, nil
	default:
		n := varint.ContentSize(st)
		if n < 0 || off+n > len(payload) {
			return Value{}, 0, fmt.Errorf("record: short body for int at offset %d", off)
		}
		i, err := varint.DecodeInt(st, payload[off:off+n])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Int: i, SerialType: st}, n, nil
	}
}

// DecodeColumn decodes only the column at index, skipping preceding body
// bytes using ContentSize rather than decoding them — spec.md §4.3's
// single-column projection.
func DecodeColumn(payload []byte, index int) (Value, error) {
	headerSize, hn := varint.Read(payload)
	if hn == 0 || int(headerSize) > len(payload) {
		return Value{}, fmt.Errorf("record: corrupt header size %d", headerSize)
	}
	off := hn
	bodyOff := int(headerSize)
	for i := 0; off < int(headerSize); i++ {
		st, n := varint.Read(payload[off:])
		if n == 0 {
			return Value{}, fmt.Errorf("record: corrupt serial type varint")
		}
		off += n
		size := bodySizeForSkip(varint.SerialType(st))
		if i == index {
			v, _, err := decodeOne(varint.SerialType(st), payload, bodyOff)
			return v, err
		}
		bodyOff += size
	}
	return Value{}, fmt.Errorf("record: column index %d out of range", index)
}

func bodySizeForSkip(st varint.SerialType) int {
	if st == varint.TypeFloat {
		return 8
	}
	if n := varint.ContentSize(st); n >= 0 {
		return n
	}
	return 0
}

// ColumnCount returns the number of columns encoded in payload without
// decoding any bodies.
func ColumnCount(payload []byte) (int, error) {
	headerSize, hn := varint.Read(payload)
	if hn == 0 || int(headerSize) > len(payload) {
		return 0, fmt.Errorf("record: corrupt header size %d", headerSize)
	}
	off := hn
	count := 0
	for off < int(headerSize) {
		_, n := varint.Read(payload[off:])
		if n == 0 {
			return 0, fmt.Errorf("record: corrupt serial type varint")
		}
		off += n
		count++
	}
	return count, nil
}

// Filter describes one conjunct of a predicate evaluated against a
// decoded row by Matches.
type Filter struct {
	ColumnOrdinal int
	Equals        *Value // nil means "no constraint on this column"
}

// Matches implements spec.md §4.3's short-circuiting predicate evaluator:
// it stops decoding columns as soon as a conjunct fails, and never
// materialises columns no filter references.
func Matches(payload []byte, filters []Filter, rowID int64, rowidAliasOrdinal int) (bool, error) {
	for _, f := range filters {
		if f.Equals == nil {
			continue
		}
		var actual Value
		if f.ColumnOrdinal == rowidAliasOrdinal {
			actual = IntValue(rowID)
		} else {
			v, err := DecodeColumn(payload, f.ColumnOrdinal)
			if err != nil {
				return false, err
			}
			actual = v
		}
		if !valuesEqual(actual, *f.Equals) {
			return false, nil
		}
	}
	return true, nil
}

func valuesEqual(a, b Value) bool {
	if a.Null || b.Null {
		return a.Null == b.Null
	}
	switch {
	case varint.IsText(a.SerialType) && varint.IsText(b.SerialType):
		return string(a.Text) == string(b.Text)
	case varint.IsBlob(a.SerialType) && varint.IsBlob(b.SerialType):
		return string(a.Blob) == string(b.Blob)
	case a.SerialType == varint.TypeFloat || b.SerialType == varint.TypeFloat:
		return asFloat(a) == asFloat(b)
	default:
		return a.Int == b.Int
	}
}

func asFloat(v Value) float64 {
	if v.SerialType == varint.TypeFloat {
		return v.Real
	}
	return float64(v.Int)
}

// Compare orders two column values for index key comparison: NULL sorts
// before everything, numeric types compare numerically, text compares
// byte-wise (binary collation — spec.md does not specify a default
// collating function beyond "collation-aware at column level", so binary
// is the baseline every index key comparison falls back to), blob
// compares byte-wise. Mismatched kinds fall back to a stable type-rank
// ordering (NULL < numeric < text < blob) matching SQLite's own default
// type affinity ordering.
func Compare(a, b Value) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0 // both NULL
	case 1:
		fa, fb := asFloat(a), asFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 2:
		return compareBytes(a.Text, b.Text)
	default:
		return compareBytes(a.Blob, b.Blob)
	}
}

func typeRank(v Value) int {
	switch {
	case v.Null:
		return 0
	case varint.IsText(v.SerialType):
		return 2
	case varint.IsBlob(v.SerialType):
		return 3
	default:
		return 1 // integer or float
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// CompareKeys compares two index records prefix-wise, column by column,
// stopping at the shorter of the two key-column counts (spec.md §4.5:
// index comparisons use "leading serial-type columns of payload").
func CompareKeys(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
