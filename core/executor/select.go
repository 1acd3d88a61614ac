package executor

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"quartzdb/core/catalog"
	"quartzdb/core/index/btree"
	"quartzdb/core/storage/record"
	"quartzdb/core/txn"
)

// maxViewDepth bounds view-through-view resolution.
const maxViewDepth = 16

// Result is a query's output: column names and the row stream. The
// caller opens, drains and closes the iterator.
type Result struct {
	Columns []string
	RowIterator
}

// Select builds the iterator pipeline for a query. Nothing is read
// until the result is opened, except aggregates, which reduce eagerly.
func (e *Executor) Select(t *txn.Txn, stmt *SelectStmt) (*Result, error) {
	cols, it, err := e.buildSelect(t, stmt, 0)
	if err != nil {
		return nil, err
	}
	return &Result{Columns: cols, RowIterator: it}, nil
}

func (e *Executor) buildSelect(t *txn.Txn, stmt *SelectStmt, depth int) ([]string, RowIterator, error) {
	if depth > maxViewDepth {
		return nil, nil, fmt.Errorf("%w: view nesting deeper than %d", catalog.ErrSchema, maxViewDepth)
	}

	cols, it, err := e.buildSource(t, stmt, depth)
	if err != nil {
		return nil, nil, err
	}

	if stmt.Join != nil {
		cols, it, err = e.buildJoin(t, cols, it, stmt.Join)
		if err != nil {
			return nil, nil, err
		}
	}

	// WHERE applies to the joined row; with no join this matches the
	// base relation directly.
	if len(stmt.Where) > 0 {
		conds, err := resolveConds(stmt.Where, cols)
		if err != nil {
			return nil, nil, err
		}
		it = newFilter(it, conds)
	}

	if len(stmt.Aggregates) > 0 {
		return e.reduce(stmt.Aggregates, cols, it)
	}

	if len(stmt.OrderBy) > 0 {
		keys := make([]resolvedSortKey, len(stmt.OrderBy))
		for i, sk := range stmt.OrderBy {
			col := columnIndex(cols, sk.Column)
			if col < 0 {
				return nil, nil, fmt.Errorf("%w: no column %q to order by", catalog.ErrSchema, sk.Column)
			}
			keys[i] = resolvedSortKey{col: col, desc: sk.Desc}
		}
		it = newSort(it, keys)
	}

	if len(stmt.Columns) > 0 {
		proj := make([]int, len(stmt.Columns))
		for i, name := range stmt.Columns {
			col := columnIndex(cols, name)
			if col < 0 {
				return nil, nil, fmt.Errorf("%w: no column %q to select", catalog.ErrSchema, name)
			}
			proj[i] = col
		}
		it = newProject(it, proj)
		cols = append([]string(nil), stmt.Columns...)
	}

	if stmt.Distinct {
		it = newDistinct(it)
	}
	return cols, it, nil
}

// buildSource resolves the FROM object: a stored view re-executes its
// definition, a table becomes a planned scan.
func (e *Executor) buildSource(t *txn.Txn, stmt *SelectStmt, depth int) ([]string, RowIterator, error) {
	if vw, err := e.cat.View(t.View(), stmt.Table); err == nil {
		inner, err := decodeViewDefinition(vw.Definition)
		if err != nil {
			return nil, nil, err
		}
		return e.buildSelect(t, inner, depth+1)
	} else if !errors.Is(err, catalog.ErrSchema) {
		return nil, nil, err
	}

	if err := t.Lock(stmt.Table, false); err != nil {
		return nil, nil, err
	}
	tbl, err := e.cat.Table(t.View(), stmt.Table)
	if err != nil {
		return nil, nil, err
	}
	tree, err := btree.Open(e.pager, t.View(), tbl.Root, e.cat.Degree(), e.log)
	if err != nil {
		return nil, nil, err
	}
	it, err := e.planScan(t, tbl, tree, stmt.Where)
	if err != nil {
		return nil, nil, err
	}
	return columnNames(tbl), it, nil
}

func (e *Executor) buildJoin(t *txn.Txn, leftCols []string, left RowIterator, join *JoinClause) ([]string, RowIterator, error) {
	if err := t.Lock(join.Table, false); err != nil {
		return nil, nil, err
	}
	rightTbl, err := e.cat.Table(t.View(), join.Table)
	if err != nil {
		return nil, nil, err
	}
	rightTree, err := btree.Open(e.pager, t.View(), rightTbl.Root, e.cat.Degree(), e.log)
	if err != nil {
		return nil, nil, err
	}

	leftCol := columnIndex(leftCols, join.LeftColumn)
	if leftCol < 0 {
		return nil, nil, fmt.Errorf("%w: no column %q to join on", catalog.ErrSchema, join.LeftColumn)
	}
	rightCol := rightTbl.ColumnIndex(join.RightColumn)
	if rightCol < 0 {
		return nil, nil, fmt.Errorf("%w: table %q has no column %q",
			catalog.ErrSchema, join.Table, join.RightColumn)
	}

	right := newTreeScan(rightTree, btree.Bound{}, btree.Bound{})
	cols := append(append([]string(nil), leftCols...), columnNames(rightTbl)...)
	return cols, newJoin(left, right, leftCol, rightCol, len(rightTbl.Columns)), nil
}

// reduce drains the stream through one reducer per aggregate and
// replays the single result row.
func (e *Executor) reduce(aggs []Aggregate, cols []string, it RowIterator) ([]string, RowIterator, error) {
	type boundAgg struct {
		reducer Reducer
		col     int // -1 for COUNT(*)
	}
	bound := make([]boundAgg, len(aggs))
	outCols := make([]string, len(aggs))
	for i, agg := range aggs {
		r, err := NewReducer(agg.Func)
		if err != nil {
			return nil, nil, err
		}
		col := -1
		if agg.Column == "*" || agg.Column == "" {
			if agg.Func != AggCount {
				return nil, nil, fmt.Errorf("%w: %s requires a column", catalog.ErrSchema, agg.Func)
			}
			outCols[i] = "COUNT(*)"
		} else {
			col = columnIndex(cols, agg.Column)
			if col < 0 {
				return nil, nil, fmt.Errorf("%w: no column %q to aggregate", catalog.ErrSchema, agg.Column)
			}
			outCols[i] = fmt.Sprintf("%s(%s)", agg.Func, agg.Column)
		}
		bound[i] = boundAgg{reducer: r, col: col}
	}

	if err := it.Open(); err != nil {
		return nil, nil, err
	}
	defer it.Close()
	for {
		ok, err := it.HasNext()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		row, err := it.Next()
		if err != nil {
			return nil, nil, err
		}
		for _, b := range bound {
			if b.col < 0 {
				b.reducer.Step(record.NewInteger(1))
			} else {
				b.reducer.Step(row.Values[b.col])
			}
		}
	}

	out := &Row{Values: make([]record.Value, len(bound))}
	for i, b := range bound {
		out.Values[i] = b.reducer.Result()
	}
	return outCols, newSliceIterator([]*Row{out}), nil
}

// planScan picks the access path for a table: a rowid range when a
// usable condition covers the INTEGER PRIMARY KEY, an index range when
// one covers an indexed column, otherwise the full sequential scan.
// Conditions only narrow the scan here; the caller still filters.
func (e *Executor) planScan(t *txn.Txn, tbl *catalog.Table, tree *btree.BTree, where []Condition) (RowIterator, error) {
	alias := tbl.RowidAlias()
	for _, cond := range where {
		if alias < 0 || tbl.ColumnIndex(cond.Column) != alias {
			continue
		}
		if cond.Value.Type != record.Integer {
			continue
		}
		if low, high, ok := rowidBounds(cond); ok {
			e.log.Debug("rowid range scan",
				zap.String("table", tbl.Name), zap.String("column", cond.Column))
			return newTreeScan(tree, low, high), nil
		}
	}

	indexes, err := e.cat.IndexesOn(t.View(), tbl.Name)
	if err != nil {
		return nil, err
	}
	for _, cond := range where {
		for _, idx := range indexes {
			if idx.Column != cond.Column {
				continue
			}
			low, high, ok, err := indexBounds(cond)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			idxTree, err := btree.Open(e.pager, t.View(), idx.Root, e.cat.Degree(), e.log)
			if err != nil {
				return nil, err
			}
			e.log.Debug("index range scan",
				zap.String("table", tbl.Name), zap.String("index", idx.Name))
			return newIndexScan(idxTree, tree, low, high), nil
		}
	}

	return newTreeScan(tree, btree.Bound{}, btree.Bound{}), nil
}

// rowidBounds maps a rowid comparison onto key bounds.
func rowidBounds(cond Condition) (low, high btree.Bound, ok bool) {
	key := record.RowidKey(cond.Value.Int)
	switch cond.Op {
	case OpEq:
		return btree.Bound{Key: key, Inclusive: true}, btree.Bound{Key: key, Inclusive: true}, true
	case OpLt:
		return btree.Bound{}, btree.Bound{Key: key}, true
	case OpLe:
		return btree.Bound{}, btree.Bound{Key: key, Inclusive: true}, true
	case OpGt:
		return btree.Bound{Key: key}, btree.Bound{}, true
	case OpGe:
		return btree.Bound{Key: key, Inclusive: true}, btree.Bound{}, true
	default:
		return btree.Bound{}, btree.Bound{}, false
	}
}

// indexBounds maps a column comparison onto index key bounds. The
// bounds cover the matching value range; type-class ordering means
// range bounds may admit rows of other classes, which the residual
// filter rejects.
func indexBounds(cond Condition) (low, high btree.Bound, ok bool, err error) {
	var prefix []byte
	switch cond.Op {
	case OpIsNull:
		prefix, err = record.IndexKeyPrefix(record.NewNull())
	case OpEq, OpLt, OpLe, OpGt, OpGe:
		if cond.Value.IsNull() {
			return low, high, false, nil
		}
		prefix, err = record.IndexKeyPrefix(cond.Value)
	default:
		return low, high, false, nil
	}
	if err != nil {
		return low, high, false, err
	}
	succ := record.PrefixSucc(prefix)

	switch cond.Op {
	case OpEq, OpIsNull:
		return btree.Bound{Key: prefix, Inclusive: true}, btree.Bound{Key: succ}, true, nil
	case OpLt:
		return btree.Bound{}, btree.Bound{Key: prefix}, true, nil
	case OpLe:
		return btree.Bound{}, btree.Bound{Key: succ}, true, nil
	case OpGt:
		if succ == nil {
			return low, high, false, nil
		}
		return btree.Bound{Key: succ, Inclusive: true}, btree.Bound{}, true, nil
	case OpGe:
		return btree.Bound{Key: prefix, Inclusive: true}, btree.Bound{}, true, nil
	default:
		return low, high, false, nil
	}
}

func resolveConds(where []Condition, cols []string) ([]resolvedCond, error) {
	out := make([]resolvedCond, len(where))
	for i, cond := range where {
		col := columnIndex(cols, cond.Column)
		if col < 0 {
			return nil, fmt.Errorf("%w: no column %q in WHERE", catalog.ErrSchema, cond.Column)
		}
		out[i] = resolvedCond{col: col, cond: cond}
	}
	return out, nil
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

func columnNames(tbl *catalog.Table) []string {
	out := make([]string, len(tbl.Columns))
	for i, col := range tbl.Columns {
		out[i] = col.Name
	}
	return out
}

// View definitions persist as JSON statement trees: the catalog stores
// bytes, the executor owns the statement types.
func encodeViewDefinition(stmt *SelectStmt) ([]byte, error) {
	return json.Marshal(stmt)
}

func decodeViewDefinition(data []byte) (*SelectStmt, error) {
	var stmt SelectStmt
	if err := json.Unmarshal(data, &stmt); err != nil {
		return nil, fmt.Errorf("%w: bad view definition: %v", catalog.ErrSchema, err)
	}
	return &stmt, nil
}
