package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Key encodings. Both table and index trees compare keys with
// bytes.Compare, so every encoding here must be order-preserving.
//
// Table trees are keyed by rowid: the int64 is sign-flipped and stored
// big-endian so negative rowids sort before positive ones.
//
// Index trees are keyed by (column value, rowid): a type-class byte
// (NULL < numeric < TEXT < BLOB), the class-specific body, then the
// rowid tiebreaker. Ties between equal column values therefore break on
// raw rowid ascending, which is the engine's documented duplicate
// ordering for secondary indexes.

const (
	keyClassNull    byte = 0x05
	keyClassNumeric byte = 0x10
	keyClassText    byte = 0x20
	keyClassBlob    byte = 0x30
)

// RowidKey encodes a rowid as an 8-byte order-preserving key.
func RowidKey(rowid int64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(rowid)^(1<<63))
	return key[:]
}

// DecodeRowidKey inverts RowidKey.
func DecodeRowidKey(key []byte) (int64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("%w: rowid key must be 8 bytes, got %d", ErrEncoding, len(key))
	}
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63)), nil
}

// IndexKey encodes (value, rowid) so that bytes.Compare yields value
// order with rowid-ascending tie breaking.
func IndexKey(v Value, rowid int64) ([]byte, error) {
	prefix, err := IndexKeyPrefix(v)
	if err != nil {
		return nil, err
	}
	return append(prefix, RowidKey(rowid)...), nil
}

// IndexKeyPrefix encodes just the value portion of an index key. Range
// scans use it to build bounds that cover every rowid for a value.
func IndexKeyPrefix(v Value) ([]byte, error) {
	switch v.Type {
	case Null:
		return []byte{keyClassNull}, nil
	case Integer, Real:
		// Map the numeric onto uint64 so unsigned byte order matches
		// numeric order: flip the sign bit for non-negatives, flip all
		// bits for negatives. Integers and reals share the class so
		// 1 < 1.5 < 2 holds across types.
		bits := math.Float64bits(v.Numeric())
		if bits&(1<<63) == 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		key := make([]byte, 9)
		key[0] = keyClassNumeric
		binary.BigEndian.PutUint64(key[1:], bits)
		return key, nil
	case Text:
		return appendEscaped([]byte{keyClassText}, []byte(v.Str)), nil
	case Blob:
		return appendEscaped([]byte{keyClassBlob}, v.Raw), nil
	default:
		return nil, fmt.Errorf("%w: cannot index value of type %d", ErrEncoding, v.Type)
	}
}

// IndexKeyRowid extracts the rowid tiebreaker from a full index key.
func IndexKeyRowid(key []byte) (int64, error) {
	if len(key) < 8 {
		return 0, fmt.Errorf("%w: index key too short for rowid suffix", ErrEncoding)
	}
	return DecodeRowidKey(key[len(key)-8:])
}

// appendEscaped writes body with 0x00 escaped as 0x00 0xFF and a
// 0x00 0x00 terminator, keeping byte order while making the key
// self-delimiting ahead of the rowid suffix.
func appendEscaped(dst, body []byte) []byte {
	for _, b := range body {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x00)
}

// PrefixSucc returns the smallest byte string greater than every string
// that starts with prefix. Scans over an index prefix use it as an
// exclusive upper bound. Returns nil when no such string exists (the
// prefix is empty or all 0xFF).
func PrefixSucc(prefix []byte) []byte {
	succ := append([]byte(nil), prefix...)
	for i := len(succ) - 1; i >= 0; i-- {
		if succ[i] < 0xFF {
			succ[i]++
			return succ[:i+1]
		}
	}
	return nil
}
