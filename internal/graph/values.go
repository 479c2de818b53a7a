// Package graph implements the labeled property graph over the MVCC trees:
// node and edge rows, forward and reverse adjacency, and the label and
// property secondary indexes, all stored as versioned entries.
package graph

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sombra-db/sombra/internal/dberr"
)

// NodeID identifies a node. Ids are assigned monotonically from the meta page.
type NodeID = uint64

// EdgeID identifies an edge.
type EdgeID = uint64

// LabelID identifies a node label.
type LabelID = uint32

// TypeID identifies an edge type.
type TypeID = uint32

// PropID identifies a property name.
type PropID = uint32

// ValueKind tags a property value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindStr
	KindBytes
	KindDate     // days since epoch
	KindDateTime // milliseconds since epoch
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindStr:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	default:
		return "unknown"
	}
}

// Value is the property value union.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64 // Int, Date, DateTime
	Float float64
	Str   string
	Bytes []byte
}

// Constructors.
func Null() Value               { return Value{Kind: KindNull} }
func BoolValue(b bool) Value    { return Value{Kind: KindBool, Bool: b} }
func IntValue(v int64) Value    { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func StrValue(s string) Value   { return Value{Kind: KindStr, Str: s} }
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }
func DateValue(days int64) Value { return Value{Kind: KindDate, Int: days} }
func DateTimeValue(ms int64) Value { return Value{Kind: KindDateTime, Int: ms} }

// IsNull reports whether the value is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal compares two values; values of different kinds are never equal, and
// null equals nothing (including null — use IsNull for null tests).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Kind == KindNull {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindInt, KindDate, KindDateTime:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindStr:
		return v.Str == o.Str
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	}
	return false
}

// Compare orders two values of the same kind. It returns an Invalid error
// for cross-kind or null comparisons.
func (v Value) Compare(o Value) (int, error) {
	if v.Kind == KindNull || o.Kind == KindNull {
		return 0, dberr.Invalid("cannot order null values")
	}
	if v.Kind != o.Kind {
		return 0, dberr.Invalid("cannot compare %s with %s", v.Kind, o.Kind)
	}
	switch v.Kind {
	case KindBool:
		a, b := 0, 0
		if v.Bool {
			a = 1
		}
		if o.Bool {
			b = 1
		}
		return a - b, nil
	case KindInt, KindDate, KindDateTime:
		switch {
		case v.Int < o.Int:
			return -1, nil
		case v.Int > o.Int:
			return 1, nil
		}
		return 0, nil
	case KindFloat:
		switch {
		case v.Float < o.Float:
			return -1, nil
		case v.Float > o.Float:
			return 1, nil
		}
		return 0, nil
	case KindStr:
		switch {
		case v.Str < o.Str:
			return -1, nil
		case v.Str > o.Str:
			return 1, nil
		}
		return 0, nil
	case KindBytes:
		switch {
		case string(v.Bytes) < string(o.Bytes):
			return -1, nil
		case string(v.Bytes) > string(o.Bytes):
			return 1, nil
		}
		return 0, nil
	}
	return 0, dberr.Invalid("cannot compare %s values", v.Kind)
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindStr:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("%x", v.Bytes)
	case KindDate:
		return fmt.Sprintf("date(%d)", v.Int)
	case KindDateTime:
		return fmt.Sprintf("datetime(%d)", v.Int)
	}
	return "?"
}

// ───────────────────────────────────────────────────────────────────────────
// Row storage encoding — tag + length + payload
// ───────────────────────────────────────────────────────────────────────────

// EncodeValue appends the storage form of v to dst.
func EncodeValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindInt, KindDate, KindDateTime:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.Int))
		dst = append(dst, b[:]...)
	case KindFloat:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.Float))
		dst = append(dst, b[:]...)
	case KindStr:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(v.Str)))
		dst = append(dst, b[:]...)
		dst = append(dst, v.Str...)
	case KindBytes:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(v.Bytes)))
		dst = append(dst, b[:]...)
		dst = append(dst, v.Bytes...)
	}
	return dst
}

// DecodeValue parses one value from buf, returning it and the bytes consumed.
func DecodeValue(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, dberr.Serialization("value truncated")
	}
	kind := ValueKind(buf[0])
	switch kind {
	case KindNull:
		return Null(), 1, nil
	case KindBool:
		if len(buf) < 2 {
			return Value{}, 0, dberr.Serialization("bool value truncated")
		}
		return BoolValue(buf[1] != 0), 2, nil
	case KindInt, KindDate, KindDateTime:
		if len(buf) < 9 {
			return Value{}, 0, dberr.Serialization("int value truncated")
		}
		v := Value{Kind: kind, Int: int64(binary.LittleEndian.Uint64(buf[1:9]))}
		return v, 9, nil
	case KindFloat:
		if len(buf) < 9 {
			return Value{}, 0, dberr.Serialization("float value truncated")
		}
		return FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(buf[1:9]))), 9, nil
	case KindStr, KindBytes:
		if len(buf) < 5 {
			return Value{}, 0, dberr.Serialization("string value truncated")
		}
		n := int(binary.LittleEndian.Uint32(buf[1:5]))
		if len(buf) < 5+n {
			return Value{}, 0, dberr.Serialization("string value body truncated")
		}
		if kind == KindStr {
			return StrValue(string(buf[5 : 5+n])), 5 + n, nil
		}
		b := make([]byte, n)
		copy(b, buf[5:5+n])
		return BytesValue(b), 5 + n, nil
	default:
		return Value{}, 0, dberr.Corruption("unknown value kind 0x%02x", buf[0])
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Index key encoding — order-preserving
// ───────────────────────────────────────────────────────────────────────────
//
// Index keys must sort byte-wise the way values sort semantically: integers
// and timestamps are sign-flipped big-endian, floats use the IEEE total
// order trick, and variable-length strings and bytes are escape-terminated
// (0x00 → 0x00 0xFF, terminator 0x00 0x00) so a longer value never sorts
// between a shorter value and its successor.

// IndexEncodeValue appends the order-preserving index form of v to dst.
// Null values are not indexable.
func IndexEncodeValue(dst []byte, v Value) ([]byte, error) {
	dst = append(dst, byte(v.Kind))
	switch v.Kind {
	case KindNull:
		return nil, dberr.Invalid("null values are not indexable")
	case KindBool:
		if v.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindInt, KindDate, KindDateTime:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int)^(1<<63))
		dst = append(dst, b[:]...)
	case KindFloat:
		bits := math.Float64bits(v.Float)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		dst = append(dst, b[:]...)
	case KindStr:
		dst = appendEscaped(dst, []byte(v.Str))
	case KindBytes:
		dst = appendEscaped(dst, v.Bytes)
	default:
		return nil, dberr.Invalid("unknown value kind %d", v.Kind)
	}
	return dst, nil
}

func appendEscaped(dst, s []byte) []byte {
	for _, b := range s {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x00)
}
