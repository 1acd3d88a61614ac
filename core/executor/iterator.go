package executor

import (
	"errors"
	"fmt"

	"quartzdb/core/index/btree"
	"quartzdb/core/storage/record"
)

// Row is one materialized row: the rowid and the column values in
// table order (or pipeline output order further up the chain).
type Row struct {
	Rowid  int64
	Values []record.Value
}

// RowIterator streams rows through the executor pipeline. Open
// positions the iterator, HasNext peeks without consuming, Rewind
// restarts from the beginning. Iterators compose; closing the top of a
// pipeline closes the whole chain.
type RowIterator interface {
	Open() error
	HasNext() (bool, error)
	Next() (*Row, error)
	Rewind() error
	Close() error
}

// ErrIteratorDone is returned by Next when the stream is exhausted and
// the caller skipped HasNext.
var ErrIteratorDone = errors.New("iterator exhausted")

// peeker implements the HasNext/Next split over a fetch function.
type peeker struct {
	fetch  func() (*Row, error)
	peeked *Row
	done   bool
}

func (p *peeker) reset() {
	p.peeked = nil
	p.done = false
}

func (p *peeker) hasNext() (bool, error) {
	if p.peeked != nil {
		return true, nil
	}
	if p.done {
		return false, nil
	}
	row, err := p.fetch()
	if err != nil {
		return false, err
	}
	if row == nil {
		p.done = true
		return false, nil
	}
	p.peeked = row
	return true, nil
}

func (p *peeker) next() (*Row, error) {
	ok, err := p.hasNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrIteratorDone
	}
	row := p.peeked
	p.peeked = nil
	return row, nil
}

// treeScanIterator walks a table's row tree in rowid order between two
// optional rowid bounds. With no bounds it is the full sequential scan.
type treeScanIterator struct {
	tree      *btree.BTree
	low, high btree.Bound
	cursor    *btree.Cursor
	peeker
}

func newTreeScan(tree *btree.BTree, low, high btree.Bound) *treeScanIterator {
	it := &treeScanIterator{tree: tree, low: low, high: high}
	it.fetch = it.fetchRow
	return it
}

func (it *treeScanIterator) Open() error {
	it.cursor = it.tree.NewCursor(it.low, it.high)
	it.reset()
	return nil
}

func (it *treeScanIterator) fetchRow() (*Row, error) {
	key, value, ok, err := it.cursor.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	rowid, err := record.DecodeRowidKey(key)
	if err != nil {
		return nil, err
	}
	values, err := record.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("decoding row %d: %w", rowid, err)
	}
	return &Row{Rowid: rowid, Values: values}, nil
}

func (it *treeScanIterator) HasNext() (bool, error) { return it.hasNext() }
func (it *treeScanIterator) Next() (*Row, error)    { return it.next() }
func (it *treeScanIterator) Rewind() error          { return it.Open() }
func (it *treeScanIterator) Close() error           { it.cursor = nil; return nil }

// indexScanIterator walks a secondary index between two key bounds and
// resolves each entry's rowid against the row tree.
type indexScanIterator struct {
	index     *btree.BTree
	rows      *btree.BTree
	low, high btree.Bound
	cursor    *btree.Cursor
	peeker
}

func newIndexScan(index, rows *btree.BTree, low, high btree.Bound) *indexScanIterator {
	it := &indexScanIterator{index: index, rows: rows, low: low, high: high}
	it.fetch = it.fetchRow
	return it
}

func (it *indexScanIterator) Open() error {
	it.cursor = it.index.NewCursor(it.low, it.high)
	it.reset()
	return nil
}

func (it *indexScanIterator) fetchRow() (*Row, error) {
	key, _, ok, err := it.cursor.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	rowid, err := record.IndexKeyRowid(key)
	if err != nil {
		return nil, err
	}
	value, found, err := it.rows.Find(record.RowidKey(rowid))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("index entry points at missing row %d", rowid)
	}
	values, err := record.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("decoding row %d: %w", rowid, err)
	}
	return &Row{Rowid: rowid, Values: values}, nil
}

func (it *indexScanIterator) HasNext() (bool, error) { return it.hasNext() }
func (it *indexScanIterator) Next() (*Row, error)    { return it.next() }
func (it *indexScanIterator) Rewind() error          { return it.Open() }
func (it *indexScanIterator) Close() error           { it.cursor = nil; return nil }

// resolvedCond is a condition bound to a column position.
type resolvedCond struct {
	col  int
	cond Condition
}

func (rc resolvedCond) matches(row *Row) bool {
	return rc.cond.matches(row.Values[rc.col])
}

// filterIterator drops rows failing any condition.
type filterIterator struct {
	source RowIterator
	conds  []resolvedCond
	peeker
}

func newFilter(source RowIterator, conds []resolvedCond) *filterIterator {
	it := &filterIterator{source: source, conds: conds}
	it.fetch = it.fetchRow
	return it
}

func (it *filterIterator) Open() error {
	if err := it.source.Open(); err != nil {
		return err
	}
	it.reset()
	return nil
}

func (it *filterIterator) fetchRow() (*Row, error) {
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
		matched := true
		for _, rc := range it.conds {
			if !rc.matches(row) {
				matched = false
				break
			}
		}
		if matched {
			return row, nil
		}
	}
}

func (it *filterIterator) HasNext() (bool, error) { return it.hasNext() }
func (it *filterIterator) Next() (*Row, error)    { return it.next() }
func (it *filterIterator) Rewind() error {
	if err := it.source.Rewind(); err != nil {
		return err
	}
	it.reset()
	return nil
}
func (it *filterIterator) Close() error { return it.source.Close() }

// projectIterator narrows rows to the selected column positions.
type projectIterator struct {
	source RowIterator
	cols   []int
	peeker
}

func newProject(source RowIterator, cols []int) *projectIterator {
	it := &projectIterator{source: source, cols: cols}
	it.fetch = it.fetchRow
	return it
}

func (it *projectIterator) Open() error {
	if err := it.source.Open(); err != nil {
		return err
	}
	it.reset()
	return nil
}

func (it *projectIterator) fetchRow() (*Row, error) {
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
	out := &Row{Rowid: row.Rowid, Values: make([]record.Value, len(it.cols))}
	for i, col := range it.cols {
		out.Values[i] = row.Values[col]
	}
	return out, nil
}

func (it *projectIterator) HasNext() (bool, error) { return it.hasNext() }
func (it *projectIterator) Next() (*Row, error)    { return it.next() }
func (it *projectIterator) Rewind() error {
	if err := it.source.Rewind(); err != nil {
		return err
	}
	it.reset()
	return nil
}
func (it *projectIterator) Close() error { return it.source.Close() }

// sliceIterator replays materialized rows; ORDER BY, DISTINCT and view
// execution buffer into one of these.
type sliceIterator struct {
	rows []*Row
	pos  int
}

func newSliceIterator(rows []*Row) *sliceIterator { return &sliceIterator{rows: rows} }

func (it *sliceIterator) Open() error { it.pos = 0; return nil }
func (it *sliceIterator) HasNext() (bool, error) {
	return it.pos < len(it.rows), nil
}
func (it *sliceIterator) Next() (*Row, error) {
	if it.pos >= len(it.rows) {
		return nil, ErrIteratorDone
	}
	row := it.rows[it.pos]
	it.pos++
	return row, nil
}
func (it *sliceIterator) Rewind() error { it.pos = 0; return nil }
func (it *sliceIterator) Close() error  { return nil }

// drain materializes the remainder of an iterator.
func drain(it RowIterator) ([]*Row, error) {
	var rows []*Row
	for {
		ok, err := it.HasNext()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		row, err := it.Next()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}
