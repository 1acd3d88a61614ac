// Package executor runs resolved statements against the storage
// layers: schema changes through the catalog, row mutations through
// table and index B-trees, queries through composable row iterators.
// Every entry point takes the transaction whose view and locks govern
// the work; read-only transactions upgrade to writer on their first
// mutation.
package executor

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"quartzdb/core/catalog"
	"quartzdb/core/index/btree"
	"quartzdb/core/storage/pager"
	"quartzdb/core/storage/record"
	"quartzdb/core/txn"
)

var (
	// ErrConstraint covers row-level violations: duplicate primary
	// keys, NOT NULL failures, declared-type mismatches. The failing
	// statement leaves the transaction active.
	ErrConstraint = errors.New("constraint violation")
)

// Executor binds the catalog and pager into statement execution.
type Executor struct {
	pager *pager.Pager
	cat   *catalog.Catalog
	log   *zap.Logger
}

// New creates an executor.
func New(p *pager.Pager, cat *catalog.Catalog, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{pager: p, cat: cat, log: log.Named("executor")}
}

// CreateTable creates a table and its empty row tree.
func (e *Executor) CreateTable(t *txn.Txn, stmt *CreateTableStmt) error {
	if err := t.EnsureWriter(); err != nil {
		return err
	}
	if err := t.Lock(stmt.Table, true); err != nil {
		return err
	}

	if err := validateColumns(stmt.Columns); err != nil {
		return err
	}
	exists, err := e.cat.HasTable(t.View(), stmt.Table)
	if err != nil {
		return err
	}
	if exists {
		if stmt.IfNotExists {
			return nil
		}
		return fmt.Errorf("%w: table %q already exists", catalog.ErrSchema, stmt.Table)
	}

	root, err := btree.Create(e.pager, e.cat.Degree(), e.log)
	if err != nil {
		return err
	}
	cols := make([]catalog.Column, len(stmt.Columns))
	for i, def := range stmt.Columns {
		cols[i] = catalog.Column{
			Name:       def.Name,
			Type:       def.Type,
			NotNull:    def.NotNull || def.PrimaryKey,
			PrimaryKey: def.PrimaryKey,
			HasDefault: def.HasDefault,
			Default:    def.Default,
		}
	}
	if err := e.cat.CreateTable(&catalog.Table{Name: stmt.Table, Root: root, Columns: cols}); err != nil {
		return err
	}
	e.log.Info("table created", zap.String("table", stmt.Table), zap.Int("columns", len(cols)))
	return nil
}

func validateColumns(defs []ColumnDef) error {
	if len(defs) == 0 {
		return fmt.Errorf("%w: a table needs at least one column", catalog.ErrSchema)
	}
	seen := make(map[string]struct{}, len(defs))
	pkCount := 0
	for _, def := range defs {
		if def.Name == "" {
			return fmt.Errorf("%w: empty column name", catalog.ErrSchema)
		}
		if _, dup := seen[def.Name]; dup {
			return fmt.Errorf("%w: duplicate column %q", catalog.ErrSchema, def.Name)
		}
		seen[def.Name] = struct{}{}
		switch def.Type {
		case record.Integer, record.Real, record.Text, record.Blob:
		default:
			return fmt.Errorf("%w: column %q has no declared type", catalog.ErrSchema, def.Name)
		}
		if def.PrimaryKey {
			pkCount++
			if def.Type != record.Integer {
				return fmt.Errorf("%w: primary key column %q must be INTEGER", catalog.ErrSchema, def.Name)
			}
		}
	}
	if pkCount > 1 {
		return fmt.Errorf("%w: at most one primary key column", catalog.ErrSchema)
	}
	return nil
}

// DropTable removes a table, returning its pages and those of every
// index on it to the freelist.
func (e *Executor) DropTable(t *txn.Txn, stmt *DropTableStmt) error {
	if err := t.EnsureWriter(); err != nil {
		return err
	}
	if err := t.Lock(stmt.Table, true); err != nil {
		return err
	}

	tbl, err := e.cat.Table(t.View(), stmt.Table)
	if err != nil {
		if stmt.IfExists && errors.Is(err, catalog.ErrSchema) {
			return nil
		}
		return err
	}

	indexes, err := e.cat.IndexesOn(t.View(), stmt.Table)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		tree, err := btree.Open(e.pager, t.View(), idx.Root, e.cat.Degree(), e.log)
		if err != nil {
			return err
		}
		if err := tree.FreeAll(); err != nil {
			return err
		}
	}
	rows, err := btree.Open(e.pager, t.View(), tbl.Root, e.cat.Degree(), e.log)
	if err != nil {
		return err
	}
	if err := rows.FreeAll(); err != nil {
		return err
	}
	if err := e.cat.DropTable(stmt.Table); err != nil {
		return err
	}
	e.log.Info("table dropped", zap.String("table", stmt.Table), zap.Int("indexes", len(indexes)))
	return nil
}

// CreateIndex creates a secondary index and backfills it from the
// table's current rows.
func (e *Executor) CreateIndex(t *txn.Txn, stmt *CreateIndexStmt) error {
	if err := t.EnsureWriter(); err != nil {
		return err
	}
	if err := t.Lock(stmt.Table, true); err != nil {
		return err
	}

	tbl, err := e.cat.Table(t.View(), stmt.Table)
	if err != nil {
		return err
	}
	col := tbl.ColumnIndex(stmt.Column)
	if col < 0 {
		return fmt.Errorf("%w: table %q has no column %q", catalog.ErrSchema, stmt.Table, stmt.Column)
	}

	root, err := btree.Create(e.pager, e.cat.Degree(), e.log)
	if err != nil {
		return err
	}
	tree, err := btree.Open(e.pager, t.View(), root, e.cat.Degree(), e.log)
	if err != nil {
		return err
	}

	rows, err := btree.Open(e.pager, t.View(), tbl.Root, e.cat.Degree(), e.log)
	if err != nil {
		return err
	}
	scan := newTreeScan(rows, btree.Bound{}, btree.Bound{})
	if err := scan.Open(); err != nil {
		return err
	}
	backfilled := 0
	for {
		ok, err := scan.HasNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		row, err := scan.Next()
		if err != nil {
			return err
		}
		key, err := record.IndexKey(row.Values[col], row.Rowid)
		if err != nil {
			return err
		}
		if err := tree.Insert(key, nil); err != nil {
			return err
		}
		backfilled++
	}

	if err := e.cat.CreateIndex(&catalog.Index{
		Name:   stmt.Index,
		Table:  stmt.Table,
		Column: stmt.Column,
		Root:   tree.Root(),
	}); err != nil {
		return err
	}
	e.log.Info("index created",
		zap.String("index", stmt.Index),
		zap.String("table", stmt.Table),
		zap.String("column", stmt.Column),
		zap.Int("rows", backfilled))
	return nil
}

// CreateView stores a named query.
func (e *Executor) CreateView(t *txn.Txn, stmt *CreateViewStmt) error {
	if err := t.EnsureWriter(); err != nil {
		return err
	}
	if stmt.Select == nil {
		return fmt.Errorf("%w: view %q has no definition", catalog.ErrSchema, stmt.View)
	}
	def, err := encodeViewDefinition(stmt.Select)
	if err != nil {
		return err
	}
	return e.cat.CreateView(&catalog.View{Name: stmt.View, Definition: def})
}

// Insert adds rows and maintains every index. All rows are validated
// against constraints before any of them is written, so a failing
// statement leaves the table untouched and the transaction active.
func (e *Executor) Insert(t *txn.Txn, stmt *InsertStmt) (int, error) {
	if err := t.EnsureWriter(); err != nil {
		return 0, err
	}
	if err := t.Lock(stmt.Table, true); err != nil {
		return 0, err
	}

	tbl, err := e.cat.Table(t.View(), stmt.Table)
	if err != nil {
		return 0, err
	}
	targets, err := resolveColumnNames(stmt.Columns, tbl)
	if err != nil {
		return 0, err
	}

	rows := stmt.Rows
	if len(rows) == 0 {
		// DEFAULT VALUES: one row with no assignments.
		if len(stmt.Columns) != 0 {
			return 0, fmt.Errorf("%w: columns named but no rows given", catalog.ErrSchema)
		}
		rows = [][]record.Value{nil}
		targets = nil
	}

	tree, err := btree.Open(e.pager, t.View(), tbl.Root, e.cat.Degree(), e.log)
	if err != nil {
		return 0, err
	}

	nextRowid, err := nextRowid(tree)
	if err != nil {
		return 0, err
	}
	alias := tbl.RowidAlias()

	indexes, err := e.openIndexes(t, tbl.Name)
	if err != nil {
		return 0, err
	}

	// Everything that can reject a row, including the encoded entry
	// sizes, is checked here so the write loop below cannot fail
	// halfway through a batch.
	type pendingRow struct {
		rowid   int64
		data    []byte
		idxKeys [][]byte
	}
	pending := make([]pendingRow, 0, len(rows))
	batch := make(map[int64]struct{}, len(rows))
	for _, given := range rows {
		if len(given) != len(targets) {
			return 0, fmt.Errorf("%w: row has %d values for %d columns",
				catalog.ErrSchema, len(given), len(targets))
		}
		values := defaultRow(tbl)
		for i, col := range targets {
			values[col] = given[i]
		}

		var rowid int64
		if alias >= 0 && !values[alias].IsNull() {
			if values[alias].Type != record.Integer {
				return 0, fmt.Errorf("%w: primary key %q requires an integer",
					ErrConstraint, tbl.Columns[alias].Name)
			}
			rowid = values[alias].Int
		} else {
			rowid = nextRowid
			nextRowid++
			if alias >= 0 {
				values[alias] = record.NewInteger(rowid)
			}
		}
		if rowid >= nextRowid {
			nextRowid = rowid + 1
		}

		if err := checkRow(tbl, values); err != nil {
			return 0, err
		}
		if _, dup := batch[rowid]; dup {
			return 0, fmt.Errorf("%w: duplicate primary key %d", ErrConstraint, rowid)
		}
		batch[rowid] = struct{}{}
		_, exists, err := tree.Find(record.RowidKey(rowid))
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, fmt.Errorf("%w: duplicate primary key %d", ErrConstraint, rowid)
		}

		data, err := record.Encode(values)
		if err != nil {
			return 0, err
		}
		if err := e.checkEntrySize(record.RowidKey(rowid), data); err != nil {
			return 0, err
		}
		idxKeys := make([][]byte, len(indexes))
		for i, idx := range indexes {
			key, err := record.IndexKey(values[idx.col], rowid)
			if err != nil {
				return 0, err
			}
			if err := e.checkEntrySize(key, nil); err != nil {
				return 0, err
			}
			idxKeys[i] = key
		}
		pending = append(pending, pendingRow{rowid: rowid, data: data, idxKeys: idxKeys})
	}

	for _, row := range pending {
		if err := tree.Insert(record.RowidKey(row.rowid), row.data); err != nil {
			return 0, err
		}
		for i, idx := range indexes {
			if err := idx.tree.Insert(row.idxKeys[i], nil); err != nil {
				return 0, err
			}
		}
	}

	if err := e.persistRoots(tbl, tree, indexes); err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Update rewrites matching rows, maintaining indexes symmetrically.
// Matches are collected before any mutation.
func (e *Executor) Update(t *txn.Txn, stmt *UpdateStmt) (int, error) {
	if err := t.EnsureWriter(); err != nil {
		return 0, err
	}
	if err := t.Lock(stmt.Table, true); err != nil {
		return 0, err
	}

	tbl, err := e.cat.Table(t.View(), stmt.Table)
	if err != nil {
		return 0, err
	}
	setCols := make(map[int]record.Value, len(stmt.Set))
	for name, v := range stmt.Set {
		col := tbl.ColumnIndex(name)
		if col < 0 {
			return 0, fmt.Errorf("%w: table %q has no column %q", catalog.ErrSchema, tbl.Name, name)
		}
		setCols[col] = v
	}

	tree, err := btree.Open(e.pager, t.View(), tbl.Root, e.cat.Degree(), e.log)
	if err != nil {
		return 0, err
	}
	matched, err := e.collectMatches(t, tbl, tree, stmt.Where)
	if err != nil {
		return 0, err
	}
	alias := tbl.RowidAlias()
	indexes, err := e.openIndexes(t, tbl.Name)
	if err != nil {
		return 0, err
	}

	// As in Insert, every rejectable condition is checked before the
	// first write so a failing statement leaves the table untouched.
	type change struct {
		oldRowid, newRowid int64
		oldValues          []record.Value
		newValues          []record.Value
		data               []byte
	}
	changes := make([]change, 0, len(matched))
	newIDs := make(map[int64]struct{}, len(matched))
	for _, row := range matched {
		newValues := make([]record.Value, len(row.Values))
		copy(newValues, row.Values)
		for col, v := range setCols {
			newValues[col] = v
		}
		if err := checkRow(tbl, newValues); err != nil {
			return 0, err
		}

		newRowid := row.Rowid
		if alias >= 0 {
			if _, set := setCols[alias]; set {
				newRowid = newValues[alias].Int
			}
		}
		if newRowid != row.Rowid {
			if _, dup := newIDs[newRowid]; dup {
				return 0, fmt.Errorf("%w: duplicate primary key %d", ErrConstraint, newRowid)
			}
			_, exists, err := tree.Find(record.RowidKey(newRowid))
			if err != nil {
				return 0, err
			}
			if exists {
				return 0, fmt.Errorf("%w: duplicate primary key %d", ErrConstraint, newRowid)
			}
		}
		newIDs[newRowid] = struct{}{}

		data, err := record.Encode(newValues)
		if err != nil {
			return 0, err
		}
		if err := e.checkEntrySize(record.RowidKey(newRowid), data); err != nil {
			return 0, err
		}
		for _, idx := range indexes {
			key, err := record.IndexKey(newValues[idx.col], newRowid)
			if err != nil {
				return 0, err
			}
			if err := e.checkEntrySize(key, nil); err != nil {
				return 0, err
			}
		}
		changes = append(changes, change{
			oldRowid:  row.Rowid,
			newRowid:  newRowid,
			oldValues: row.Values,
			newValues: newValues,
			data:      data,
		})
	}

	for _, ch := range changes {
		data := ch.data
		if ch.newRowid != ch.oldRowid {
			if err := tree.Delete(record.RowidKey(ch.oldRowid)); err != nil {
				return 0, err
			}
			if err := tree.Insert(record.RowidKey(ch.newRowid), data); err != nil {
				return 0, err
			}
		} else if err := tree.Put(record.RowidKey(ch.oldRowid), data); err != nil {
			return 0, err
		}

		for _, idx := range indexes {
			oldVal, newVal := ch.oldValues[idx.col], ch.newValues[idx.col]
			if ch.newRowid == ch.oldRowid && record.Compare(oldVal, newVal) == 0 && oldVal.Type == newVal.Type {
				continue
			}
			oldKey, err := record.IndexKey(oldVal, ch.oldRowid)
			if err != nil {
				return 0, err
			}
			if err := idx.tree.Delete(oldKey); err != nil {
				return 0, err
			}
			newKey, err := record.IndexKey(newVal, ch.newRowid)
			if err != nil {
				return 0, err
			}
			if err := idx.tree.Insert(newKey, nil); err != nil {
				return 0, err
			}
		}
	}

	if err := e.persistRoots(tbl, tree, indexes); err != nil {
		return 0, err
	}
	return len(changes), nil
}

// Delete removes matching rows and their index entries.
func (e *Executor) Delete(t *txn.Txn, stmt *DeleteStmt) (int, error) {
	if err := t.EnsureWriter(); err != nil {
		return 0, err
	}
	if err := t.Lock(stmt.Table, true); err != nil {
		return 0, err
	}

	tbl, err := e.cat.Table(t.View(), stmt.Table)
	if err != nil {
		return 0, err
	}
	tree, err := btree.Open(e.pager, t.View(), tbl.Root, e.cat.Degree(), e.log)
	if err != nil {
		return 0, err
	}
	matched, err := e.collectMatches(t, tbl, tree, stmt.Where)
	if err != nil {
		return 0, err
	}

	indexes, err := e.openIndexes(t, tbl.Name)
	if err != nil {
		return 0, err
	}
	for _, row := range matched {
		if err := tree.Delete(record.RowidKey(row.Rowid)); err != nil {
			return 0, err
		}
		for _, idx := range indexes {
			key, err := record.IndexKey(row.Values[idx.col], row.Rowid)
			if err != nil {
				return 0, err
			}
			if err := idx.tree.Delete(key); err != nil {
				return 0, err
			}
		}
	}

	if err := e.persistRoots(tbl, tree, indexes); err != nil {
		return 0, err
	}
	return len(matched), nil
}

// collectMatches materializes every row matching the conditions. DML
// collects before mutating so the scan never chases its own writes.
func (e *Executor) collectMatches(t *txn.Txn, tbl *catalog.Table, tree *btree.BTree, where []Condition) ([]*Row, error) {
	it, err := e.planScan(t, tbl, tree, where)
	if err != nil {
		return nil, err
	}
	if len(where) > 0 {
		conds, err := resolveConds(where, columnNames(tbl))
		if err != nil {
			return nil, err
		}
		it = newFilter(it, conds)
	}
	if err := it.Open(); err != nil {
		return nil, err
	}
	defer it.Close()
	return drain(it)
}

// openIndex pairs an index tree with its column position and catalog
// record.
type openIndex struct {
	meta *catalog.Index
	tree *btree.BTree
	col  int
}

func (e *Executor) openIndexes(t *txn.Txn, table string) ([]openIndex, error) {
	metas, err := e.cat.IndexesOn(t.View(), table)
	if err != nil {
		return nil, err
	}
	tbl, err := e.cat.Table(t.View(), table)
	if err != nil {
		return nil, err
	}
	out := make([]openIndex, 0, len(metas))
	for _, meta := range metas {
		tree, err := btree.Open(e.pager, t.View(), meta.Root, e.cat.Degree(), e.log)
		if err != nil {
			return nil, err
		}
		out = append(out, openIndex{meta: meta, tree: tree, col: tbl.ColumnIndex(meta.Column)})
	}
	return out, nil
}

// persistRoots re-records any tree whose root page moved during the
// statement.
func (e *Executor) persistRoots(tbl *catalog.Table, tree *btree.BTree, indexes []openIndex) error {
	if tree.Root() != tbl.Root {
		if err := e.cat.UpdateTableRoot(tbl.Name, tree.Root()); err != nil {
			return err
		}
	}
	for _, idx := range indexes {
		if idx.tree.Root() != idx.meta.Root {
			if err := e.cat.UpdateIndexRoot(idx.meta.Name, idx.tree.Root()); err != nil {
				return err
			}
		}
	}
	return nil
}

// defaultRow builds a fresh row of DEFAULT values (NULL when a column
// declares none).
func defaultRow(tbl *catalog.Table) []record.Value {
	values := make([]record.Value, len(tbl.Columns))
	for i, col := range tbl.Columns {
		if col.HasDefault {
			values[i] = col.Default
		} else {
			values[i] = record.NewNull()
		}
	}
	return values
}

// resolveColumnNames maps insert target names to column positions. An
// empty list targets every column in declaration order.
func resolveColumnNames(names []string, tbl *catalog.Table) ([]int, error) {
	if len(names) == 0 {
		out := make([]int, len(tbl.Columns))
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	out := make([]int, len(names))
	seen := make(map[int]struct{}, len(names))
	for i, name := range names {
		col := tbl.ColumnIndex(name)
		if col < 0 {
			return nil, fmt.Errorf("%w: table %q has no column %q", catalog.ErrSchema, tbl.Name, name)
		}
		if _, dup := seen[col]; dup {
			return nil, fmt.Errorf("%w: column %q named twice", catalog.ErrSchema, name)
		}
		seen[col] = struct{}{}
		out[i] = col
	}
	return out, nil
}

// checkRow enforces NOT NULL and declared types, coercing INTEGER
// literals into REAL columns.
// checkEntrySize rejects an entry the tree would refuse, before any
// part of the statement has been written.
func (e *Executor) checkEntrySize(key, value []byte) error {
	max := btree.MaxEntrySize(e.pager.PageSize(), e.cat.Degree())
	if len(key)+len(value) > max {
		return fmt.Errorf("%w: entry of %d bytes exceeds the %d byte budget",
			btree.ErrValueTooLarge, len(key)+len(value), max)
	}
	return nil
}

func checkRow(tbl *catalog.Table, values []record.Value) error {
	for i, col := range tbl.Columns {
		v := values[i]
		if v.IsNull() {
			if col.NotNull {
				return fmt.Errorf("%w: NOT NULL column %q", ErrConstraint, col.Name)
			}
			continue
		}
		if v.Type == col.Type {
			continue
		}
		if col.Type == record.Real && v.Type == record.Integer {
			values[i] = record.NewReal(float64(v.Int))
			continue
		}
		return fmt.Errorf("%w: column %q declared %s, got %s",
			ErrConstraint, col.Name, col.Type, v.Type)
	}
	return nil
}

// nextRowid reads the table's current maximum rowid and returns the
// next one.
func nextRowid(tree *btree.BTree) (int64, error) {
	key, _, ok, err := tree.Last()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	max, err := record.DecodeRowidKey(key)
	if err != nil {
		return 0, err
	}
	if max == math.MaxInt64 {
		return 0, fmt.Errorf("%w: rowid space exhausted", ErrConstraint)
	}
	return max + 1, nil
}
