package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Record encoding:
//
//	uvarint  column count
//	n bytes  per-column type tag
//	...      value bytes, in column order
//
// Integer is 8 bytes little-endian, Real is the IEEE-754 bits likewise,
// Text and Blob carry a uvarint length prefix, Null contributes no
// value bytes. The header makes records self-describing: a decoder
// never needs the table schema, so rows written before a schema change
// keep decoding.

// Encode serializes the column values of one row.
func Encode(values []Value) ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(len(values)))
	for i, v := range values {
		if v.Type > Blob {
			return nil, fmt.Errorf("%w: column %d has unsupported type tag %d", ErrEncoding, i, v.Type)
		}
		buf = append(buf, byte(v.Type))
	}
	for i, v := range values {
		switch v.Type {
		case Null:
		case Integer:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Int))
		case Real:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Flt))
		case Text:
			buf = binary.AppendUvarint(buf, uint64(len(v.Str)))
			buf = append(buf, v.Str...)
		case Blob:
			buf = binary.AppendUvarint(buf, uint64(len(v.Raw)))
			buf = append(buf, v.Raw...)
		default:
			return nil, fmt.Errorf("%w: column %d has unsupported type tag %d", ErrEncoding, i, v.Type)
		}
	}
	return buf, nil
}

// Decode is the exact inverse of Encode.
func Decode(data []byte) ([]Value, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: truncated record header", ErrEncoding)
	}
	pos := n
	if uint64(len(data)-pos) < count {
		return nil, fmt.Errorf("%w: record header shorter than column count %d", ErrEncoding, count)
	}
	tags := make([]ValueType, count)
	for i := range tags {
		tag := ValueType(data[pos])
		if tag > Blob {
			return nil, fmt.Errorf("%w: unsupported type tag %d in column %d", ErrEncoding, tag, i)
		}
		tags[i] = tag
		pos++
	}

	values := make([]Value, count)
	for i, tag := range tags {
		switch tag {
		case Null:
			values[i] = NewNull()
		case Integer:
			if len(data)-pos < 8 {
				return nil, fmt.Errorf("%w: truncated integer in column %d", ErrEncoding, i)
			}
			values[i] = NewInteger(int64(binary.LittleEndian.Uint64(data[pos:])))
			pos += 8
		case Real:
			if len(data)-pos < 8 {
				return nil, fmt.Errorf("%w: truncated real in column %d", ErrEncoding, i)
			}
			values[i] = NewReal(math.Float64frombits(binary.LittleEndian.Uint64(data[pos:])))
			pos += 8
		case Text, Blob:
			length, n := binary.Uvarint(data[pos:])
			if n <= 0 || uint64(len(data)-pos-n) < length {
				return nil, fmt.Errorf("%w: truncated %s in column %d", ErrEncoding, tag, i)
			}
			pos += n
			raw := data[pos : pos+int(length)]
			if tag == Text {
				values[i] = NewText(string(raw))
			} else {
				blob := make([]byte, length)
				copy(blob, raw)
				values[i] = NewBlob(blob)
			}
			pos += int(length)
		}
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after record", ErrEncoding, len(data)-pos)
	}
	return values, nil
}
