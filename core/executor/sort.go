package executor

import (
	"sort"

	"quartzdb/core/storage/record"
)

// resolvedSortKey is a sort key bound to an output column position.
type resolvedSortKey struct {
	col  int
	desc bool
}

// sortIterator buffers its input and replays it ordered by the sort
// keys. NULLs sort first ascending, last descending, following the
// value comparator's type ordering.
type sortIterator struct {
	source RowIterator
	keys   []resolvedSortKey
	buf    *sliceIterator
}

func newSort(source RowIterator, keys []resolvedSortKey) *sortIterator {
	return &sortIterator{source: source, keys: keys}
}

func (it *sortIterator) Open() error {
	if err := it.source.Open(); err != nil {
		return err
	}
	rows, err := drain(it.source)
	if err != nil {
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range it.keys {
			cmp := record.Compare(rows[i].Values[k.col], rows[j].Values[k.col])
			if cmp == 0 {
				continue
			}
			if k.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	it.buf = newSliceIterator(rows)
	return it.buf.Open()
}

func (it *sortIterator) HasNext() (bool, error) { return it.buf.HasNext() }
func (it *sortIterator) Next() (*Row, error)    { return it.buf.Next() }
func (it *sortIterator) Rewind() error          { return it.buf.Rewind() }
func (it *sortIterator) Close() error           { return it.source.Close() }

// distinctIterator drops duplicate rows. Rows compare by the encoded
// form of their values, so NULLs deduplicate here even though they
// never compare equal in predicates.
type distinctIterator struct {
	source RowIterator
	seen   map[string]struct{}
	peeker
}

func newDistinct(source RowIterator) *distinctIterator {
	it := &distinctIterator{source: source}
	it.fetch = it.fetchRow
	return it
}

func (it *distinctIterator) Open() error {
	if err := it.source.Open(); err != nil {
		return err
	}
	it.seen = make(map[string]struct{})
	it.reset()
	return nil
}

func (it *distinctIterator) fetchRow() (*Row, error) {
	for {
		ok, err := it.source.HasNext()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		row, err := it.source.Next()
		if err != nil {
			return nil, err
		}
		fp, err := record.Encode(row.Values)
		if err != nil {
			return nil, err
		}
		if _, dup := it.seen[string(fp)]; dup {
			continue
		}
		it.seen[string(fp)] = struct{}{}
		return row, nil
	}
}

func (it *distinctIterator) HasNext() (bool, error) { return it.hasNext() }
func (it *distinctIterator) Next() (*Row, error)    { return it.next() }
func (it *distinctIterator) Rewind() error {
	if err := it.source.Rewind(); err != nil {
		return err
	}
	it.seen = make(map[string]struct{})
	it.reset()
	return nil
}
func (it *distinctIterator) Close() error { return it.source.Close() }
