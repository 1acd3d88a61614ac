package executor

import (
	"quartzdb/core/storage/record"
)

// joinIterator implements a LEFT OUTER equi-join: the right side is
// drained once into a hash table keyed by the join column's encoded
// form, then left rows probe it. Unmatched left rows emit NULLs for
// every right column. NULL join keys never match, per SQL semantics.
type joinIterator struct {
	left       RowIterator
	right      RowIterator
	leftCol    int
	rightCol   int
	rightArity int

	build   map[string][]*Row
	pending []*Row // right matches of the current left row
	current *Row
	peeker
}

func newJoin(left, right RowIterator, leftCol, rightCol, rightArity int) *joinIterator {
	it := &joinIterator{
		left:       left,
		right:      right,
		leftCol:    leftCol,
		rightCol:   rightCol,
		rightArity: rightArity,
	}
	it.fetch = it.fetchRow
	return it
}

func joinKey(v record.Value) (string, bool, error) {
	if v.IsNull() {
		return "", false, nil
	}
	// The order-preserving index encoding doubles as an equality
	// fingerprint that treats 2 and 2.0 as the same key.
	k, err := record.IndexKeyPrefix(v)
	if err != nil {
		return "", false, err
	}
	return string(k), true, nil
}

func (it *joinIterator) Open() error {
	if err := it.right.Open(); err != nil {
		return err
	}
	rightRows, err := drain(it.right)
	if err != nil {
		return err
	}
	it.build = make(map[string][]*Row, len(rightRows))
	for _, row := range rightRows {
		key, ok, err := joinKey(row.Values[it.rightCol])
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		it.build[key] = append(it.build[key], row)
	}
	if err := it.left.Open(); err != nil {
		return err
	}
	it.pending = nil
	it.current = nil
	it.reset()
	return nil
}

func (it *joinIterator) fetchRow() (*Row, error) {
	for {
		if len(it.pending) > 0 {
			match := it.pending[0]
			it.pending = it.pending[1:]
			return it.combine(it.current, match), nil
		}

		ok, err := it.left.HasNext()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		left, err := it.left.Next()
		if err != nil {
			return nil, err
		}
		it.current = left

		key, valid, err := joinKey(left.Values[it.leftCol])
		if err != nil {
			return nil, err
		}
		if valid {
			if matches := it.build[key]; len(matches) > 0 {
				it.pending = matches
				continue
			}
		}
		// No match: keep the left row, NULL-fill the right side.
		return it.combine(left, nil), nil
	}
}

func (it *joinIterator) combine(left, right *Row) *Row {
	out := &Row{
		Rowid:  left.Rowid,
		Values: make([]record.Value, 0, len(left.Values)+it.rightArity),
	}
	out.Values = append(out.Values, left.Values...)
	if right != nil {
		out.Values = append(out.Values, right.Values...)
	} else {
		for i := 0; i < it.rightArity; i++ {
			out.Values = append(out.Values, record.NewNull())
		}
	}
	return out
}

func (it *joinIterator) HasNext() (bool, error) { return it.hasNext() }
func (it *joinIterator) Next() (*Row, error)    { return it.next() }

func (it *joinIterator) Rewind() error {
	if err := it.left.Rewind(); err != nil {
		return err
	}
	it.pending = nil
	it.current = nil
	it.reset()
	return nil
}

func (it *joinIterator) Close() error {
	lerr := it.left.Close()
	rerr := it.right.Close()
	if lerr != nil {
		return lerr
	}
	return rerr
}
