package record_test

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"quartzdb/core/storage/record"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rows := [][]record.Value{
		{},
		{record.NewNull()},
		{record.NewInteger(0), record.NewInteger(-1), record.NewInteger(math.MaxInt64), record.NewInteger(math.MinInt64)},
		{record.NewReal(0), record.NewReal(-2.5), record.NewReal(math.MaxFloat64)},
		{record.NewText(""), record.NewText("hello"), record.NewText("naïve ütf-8 ☃")},
		{record.NewBlob(nil), record.NewBlob([]byte{0x00, 0xFF, 0x00})},
		{record.NewInteger(42), record.NewNull(), record.NewText("mixed"), record.NewReal(3.14), record.NewBlob([]byte("raw"))},
	}

	for _, row := range rows {
		data, err := record.Encode(row)
		require.NoError(t, err)
		got, err := record.Decode(data)
		require.NoError(t, err)
		require.Len(t, got, len(row))
		for i := range row {
			require.Equal(t, row[i].Type, got[i].Type)
			require.Zero(t, record.Compare(row[i], got[i]))
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := record.Decode(nil)
	require.ErrorIs(t, err, record.ErrEncoding)

	// Tag byte beyond the known value types.
	_, err = record.Decode([]byte{0x01, 0x09})
	require.ErrorIs(t, err, record.ErrEncoding)

	// Integer tag with a truncated body.
	data, err := record.Encode([]record.Value{record.NewInteger(7)})
	require.NoError(t, err)
	_, err = record.Decode(data[:len(data)-3])
	require.ErrorIs(t, err, record.ErrEncoding)

	// Trailing bytes after the declared values.
	_, err = record.Decode(append(data, 0xAB))
	require.ErrorIs(t, err, record.ErrEncoding)
}

func TestCompareTypeOrdering(t *testing.T) {
	// NULL < numerics < TEXT < BLOB, with INTEGER and REAL comparing as
	// one numeric class.
	ordered := []record.Value{
		record.NewNull(),
		record.NewInteger(-10),
		record.NewReal(-9.5),
		record.NewInteger(3),
		record.NewReal(3.5),
		record.NewText("a"),
		record.NewText("b"),
		record.NewBlob([]byte{0x00}),
	}
	for i := 0; i < len(ordered)-1; i++ {
		require.Negative(t, record.Compare(ordered[i], ordered[i+1]),
			"%v should sort before %v", ordered[i], ordered[i+1])
	}

	require.Zero(t, record.Compare(record.NewInteger(2), record.NewReal(2.0)))
	require.False(t, record.Equal(record.NewNull(), record.NewNull()))
}

func TestRowidKeyOrder(t *testing.T) {
	rowids := []int64{math.MinInt64, -100, -1, 0, 1, 77, math.MaxInt64}
	for i := 0; i < len(rowids)-1; i++ {
		a, b := record.RowidKey(rowids[i]), record.RowidKey(rowids[i+1])
		require.Negative(t, bytes.Compare(a, b), "rowid %d vs %d", rowids[i], rowids[i+1])
	}
	for _, id := range rowids {
		got, err := record.DecodeRowidKey(record.RowidKey(id))
		require.NoError(t, err)
		require.Equal(t, id, got)
	}
}

func TestIndexKeyOrderMatchesValueOrder(t *testing.T) {
	values := []record.Value{
		record.NewNull(),
		record.NewInteger(math.MinInt64),
		record.NewReal(-1e9),
		record.NewInteger(-5),
		record.NewReal(-0.5),
		record.NewInteger(0),
		record.NewReal(2.25),
		record.NewInteger(3),
		record.NewInteger(math.MaxInt64),
		record.NewText(""),
		record.NewText("a"),
		record.NewText("a\x00b"), // embedded NUL must not collide with a shorter key
		record.NewText("ab"),
		record.NewBlob(nil),
		record.NewBlob([]byte{0x00, 0x01}),
		record.NewBlob([]byte{0x02}),
	}

	keys := make([][]byte, len(values))
	for i, v := range values {
		k, err := record.IndexKey(v, 1)
		require.NoError(t, err)
		keys[i] = k
	}
	require.True(t, sort.SliceIsSorted(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	}), "index key order must match value order")
}

func TestIndexKeyRowidTiebreak(t *testing.T) {
	v := record.NewText("same")
	k1, err := record.IndexKey(v, 1)
	require.NoError(t, err)
	k2, err := record.IndexKey(v, 2)
	require.NoError(t, err)
	require.Negative(t, bytes.Compare(k1, k2))

	id, err := record.IndexKeyRowid(k2)
	require.NoError(t, err)
	require.Equal(t, int64(2), id)

	prefix, err := record.IndexKeyPrefix(v)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(k1, prefix))
	require.True(t, bytes.HasPrefix(k2, prefix))
}

func TestPrefixSucc(t *testing.T) {
	require.Equal(t, []byte{0x10, 0x01}, record.PrefixSucc([]byte{0x10, 0x00}))
	require.Equal(t, []byte{0x11}, record.PrefixSucc([]byte{0x10, 0xFF}))
	require.Nil(t, record.PrefixSucc([]byte{0xFF, 0xFF}))
	require.Nil(t, record.PrefixSucc(nil))

	// Every key sharing the prefix sorts below the successor.
	prefix, err := record.IndexKeyPrefix(record.NewText("blue"))
	require.NoError(t, err)
	key, err := record.IndexKey(record.NewText("blue"), math.MaxInt64)
	require.NoError(t, err)
	require.Negative(t, bytes.Compare(key, record.PrefixSucc(prefix)))
}
