// Package record converts typed column values to and from the byte
// payloads stored at B-tree leaves. The record format is
// self-describing (per-record header of type tags), so old rows keep
// decoding after a schema gains columns. The package also provides the
// order-preserving key encoding used by index trees.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for the serialization layer.
var (
	ErrEncoding = errors.New("encoding error")
)

// ValueType tags a column value. The five tags are the complete set the
// engine stores; anything else fails with ErrEncoding.
type ValueType uint8

const (
	Null ValueType = iota
	Integer
	Real
	Text
	Blob
)

func (t ValueType) String() string {
	switch t {
	case Null:
		return "NULL"
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	case Text:
		return "TEXT"
	case Blob:
		return "BLOB"
	default:
		return fmt.Sprintf("ValueType(%d)", uint8(t))
	}
}

// Value is a tagged union over the five storable types.
type Value struct {
	Type ValueType
	Int  int64
	Flt  float64
	Str  string
	Raw  []byte
}

func NewNull() Value           { return Value{Type: Null} }
func NewInteger(v int64) Value { return Value{Type: Integer, Int: v} }
func NewReal(v float64) Value  { return Value{Type: Real, Flt: v} }
func NewText(v string) Value   { return Value{Type: Text, Str: v} }
func NewBlob(v []byte) Value   { return Value{Type: Blob, Raw: v} }

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.Type == Null }

// Numeric returns the value as a float64 for cross-type numeric
// comparison. Only meaningful for Integer and Real.
func (v Value) Numeric() float64 {
	if v.Type == Integer {
		return float64(v.Int)
	}
	return v.Flt
}

func (v Value) String() string {
	switch v.Type {
	case Null:
		return "NULL"
	case Integer:
		return strconv.FormatInt(v.Int, 10)
	case Real:
		return strconv.FormatFloat(v.Flt, 'g', -1, 64)
	case Text:
		return v.Str
	case Blob:
		return fmt.Sprintf("x'%x'", v.Raw)
	default:
		return "?"
	}
}

// typeClass groups values for ordering: NULL sorts before all numerics,
// numerics before TEXT, TEXT before BLOB.
func (v Value) typeClass() int {
	switch v.Type {
	case Null:
		return 0
	case Integer, Real:
		return 1
	case Text:
		return 2
	default:
		return 3
	}
}

// Compare orders two values: NULL < numeric < TEXT < BLOB, numerics by
// magnitude across Integer/Real, TEXT and BLOB bytewise. Returns
// -1, 0 or 1.
func Compare(a, b Value) int {
	ca, cb := a.typeClass(), b.typeClass()
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	switch ca {
	case 0: // both NULL
		return 0
	case 1:
		if a.Type == Integer && b.Type == Integer {
			switch {
			case a.Int < b.Int:
				return -1
			case a.Int > b.Int:
				return 1
			default:
				return 0
			}
		}
		fa, fb := a.Numeric(), b.Numeric()
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 2:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		default:
			return 0
		}
	default:
		return bytes.Compare(a.Raw, b.Raw)
	}
}

// Equal reports value equality under Compare semantics, except that two
// NULLs are not equal to each other for predicate purposes; callers
// wanting SQL IS semantics should test IsNull directly.
func Equal(a, b Value) bool {
	if a.IsNull() || b.IsNull() {
		return false
	}
	return Compare(a, b) == 0
}
