package executor_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"quartzdb/core/catalog"
	"quartzdb/core/executor"
	"quartzdb/core/index/btree"
	"quartzdb/core/storage/pager"
	"quartzdb/core/storage/record"
	"quartzdb/core/txn"
)

type fixture struct {
	t  *testing.T
	p  *pager.Pager
	m  *txn.Manager
	ex *executor.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dm := pager.NewDiskManager(filepath.Join(t.TempDir(), "executor_test.qdb"), 4096)
	hdr, err := dm.OpenOrCreate(true)
	require.NoError(t, err)
	p, err := pager.New(dm, hdr, pager.Options{CachePages: 64, NoSync: true}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	cat := catalog.New(p, 4, nil)
	return &fixture{t: t, p: p, m: txn.NewManager(p, 0, nil, nil), ex: executor.New(p, cat, nil)}
}

func (f *fixture) begin() *txn.Txn {
	f.t.Helper()
	tx, err := f.m.Begin(txn.Immediate)
	require.NoError(f.t, err)
	return tx
}

func (f *fixture) beginRead() *txn.Txn {
	f.t.Helper()
	tx, err := f.m.Begin(txn.Deferred)
	require.NoError(f.t, err)
	return tx
}

func (f *fixture) commit(tx *txn.Txn) {
	f.t.Helper()
	require.NoError(f.t, tx.Commit())
}

// query runs a select and materializes the result.
func (f *fixture) query(tx *txn.Txn, stmt *executor.SelectStmt) ([]string, [][]record.Value) {
	f.t.Helper()
	res, err := f.ex.Select(tx, stmt)
	require.NoError(f.t, err)
	require.NoError(f.t, res.Open())
	defer res.Close()
	var rows [][]record.Value
	for {
		ok, err := res.HasNext()
		require.NoError(f.t, err)
		if !ok {
			return res.Columns, rows
		}
		row, err := res.Next()
		require.NoError(f.t, err)
		rows = append(rows, row.Values)
	}
}

func usersSchema() *executor.CreateTableStmt {
	return &executor.CreateTableStmt{
		Table: "users",
		Columns: []executor.ColumnDef{
			{Name: "id", Type: record.Integer, PrimaryKey: true},
			{Name: "name", Type: record.Text, NotNull: true},
			{Name: "age", Type: record.Integer},
			{Name: "city", Type: record.Text, HasDefault: true, Default: record.NewText("unknown")},
		},
	}
}

// seedUsers creates the users table with four rows.
func (f *fixture) seedUsers(tx *txn.Txn) {
	f.t.Helper()
	require.NoError(f.t, f.ex.CreateTable(tx, usersSchema()))
	n, err := f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "users",
		Columns: []string{"id", "name", "age", "city"},
		Rows: [][]record.Value{
			{record.NewInteger(1), record.NewText("alice"), record.NewInteger(30), record.NewText("paris")},
			{record.NewInteger(2), record.NewText("bob"), record.NewNull(), record.NewText("london")},
			{record.NewInteger(3), record.NewText("carol"), record.NewInteger(25), record.NewText("paris")},
			{record.NewInteger(4), record.NewText("dave"), record.NewInteger(41), record.NewText("oslo")},
		},
	})
	require.NoError(f.t, err)
	require.Equal(f.t, 4, n)
}

func textsOf(rows [][]record.Value, col int) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r[col].Str
	}
	return out
}

func TestCreateTableAndInsertSelect(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)

	cols, rows := f.query(tx, &executor.SelectStmt{Table: "users"})
	require.Equal(t, []string{"id", "name", "age", "city"}, cols)
	require.Len(t, rows, 4)
	require.Equal(t, []string{"alice", "bob", "carol", "dave"}, textsOf(rows, 1))
	require.True(t, rows[1][2].IsNull(), "bob's age is NULL")
	f.commit(tx)
}

func TestCreateTableIfNotExists(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	require.NoError(t, f.ex.CreateTable(tx, usersSchema()))

	err := f.ex.CreateTable(tx, usersSchema())
	require.ErrorIs(t, err, catalog.ErrSchema)

	stmt := usersSchema()
	stmt.IfNotExists = true
	require.NoError(t, f.ex.CreateTable(tx, stmt))
	f.commit(tx)
}

func TestInsertDefaultsAndAutoRowid(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	require.NoError(t, f.ex.CreateTable(tx, usersSchema()))

	// Omitted columns take DEFAULT ('unknown' city) or NULL (age); the
	// omitted primary key takes the next rowid.
	n, err := f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "users",
		Columns: []string{"name"},
		Rows:    [][]record.Value{{record.NewText("erin")}, {record.NewText("frank")}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, rows := f.query(tx, &executor.SelectStmt{Table: "users"})
	require.Len(t, rows, 2)
	require.EqualValues(t, 1, rows[0][0].Int)
	require.EqualValues(t, 2, rows[1][0].Int)
	require.True(t, rows[0][2].IsNull())
	require.Equal(t, "unknown", rows[0][3].Str)
	f.commit(tx)
}

func TestInsertDuplicatePrimaryKey(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)

	_, err := f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "users",
		Columns: []string{"id", "name"},
		Rows: [][]record.Value{
			{record.NewInteger(99), record.NewText("eve")},
			{record.NewInteger(2), record.NewText("mallory")},
		},
	})
	require.ErrorIs(t, err, executor.ErrConstraint)
	require.Equal(t, txn.Active, tx.State(), "constraint failure leaves the transaction active")

	// The batch was rejected whole: row 99 must not exist.
	_, rows := f.query(tx, &executor.SelectStmt{Table: "users"})
	require.Len(t, rows, 4)
	f.commit(tx)
}

func TestOversizedRowRejectsWholeBatch(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	require.NoError(t, f.ex.CreateTable(tx, usersSchema()))

	huge := record.NewText(strings.Repeat("x", 2000))
	_, err := f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "users",
		Columns: []string{"name"},
		Rows: [][]record.Value{
			{record.NewText("fits")},
			{huge},
		},
	})
	require.ErrorIs(t, err, btree.ErrValueTooLarge)
	require.Equal(t, txn.Active, tx.State())

	// Row one must not have been written before row two was rejected.
	_, rows := f.query(tx, &executor.SelectStmt{Table: "users"})
	require.Empty(t, rows)

	// Same guarantee for UPDATE: a SET that overflows the page budget
	// leaves every matched row unchanged.
	f.seedUsers(tx)
	_, err = f.ex.Update(tx, &executor.UpdateStmt{
		Table: "users",
		Set:   map[string]record.Value{"city": huge},
	})
	require.ErrorIs(t, err, btree.ErrValueTooLarge)
	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{{Column: "city", Op: executor.OpEq, Value: record.NewText("paris")}},
	})
	require.Len(t, rows, 2)
	f.commit(tx)
}

func TestInsertConstraints(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	require.NoError(t, f.ex.CreateTable(tx, usersSchema()))

	_, err := f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "users",
		Columns: []string{"name"},
		Rows:    [][]record.Value{{record.NewNull()}},
	})
	require.ErrorIs(t, err, executor.ErrConstraint, "NOT NULL")

	_, err = f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "users",
		Columns: []string{"name", "age"},
		Rows:    [][]record.Value{{record.NewText("x"), record.NewText("old")}},
	})
	require.ErrorIs(t, err, executor.ErrConstraint, "declared type mismatch")
	f.commit(tx)
}

func TestIntegerCoercesIntoRealColumn(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	require.NoError(t, f.ex.CreateTable(tx, &executor.CreateTableStmt{
		Table: "readings",
		Columns: []executor.ColumnDef{
			{Name: "id", Type: record.Integer, PrimaryKey: true},
			{Name: "temp", Type: record.Real},
		},
	}))
	_, err := f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "readings",
		Columns: []string{"temp"},
		Rows:    [][]record.Value{{record.NewInteger(21)}},
	})
	require.NoError(t, err)

	_, rows := f.query(tx, &executor.SelectStmt{Table: "readings"})
	require.Equal(t, record.Real, rows[0][1].Type)
	require.Equal(t, 21.0, rows[0][1].Flt)
	f.commit(tx)
}

func TestSelectWhereAndProjection(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)

	cols, rows := f.query(tx, &executor.SelectStmt{
		Table:   "users",
		Columns: []string{"name"},
		Where: []executor.Condition{
			{Column: "city", Op: executor.OpEq, Value: record.NewText("paris")},
		},
	})
	require.Equal(t, []string{"name"}, cols)
	require.Equal(t, []string{"alice", "carol"}, textsOf(rows, 0))

	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "age", Op: executor.OpGe, Value: record.NewInteger(30)},
		},
	})
	require.Equal(t, []string{"alice", "dave"}, textsOf(rows, 1))

	// NULL never matches a comparison; IS NULL is the only way in.
	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "age", Op: executor.OpNe, Value: record.NewInteger(30)},
		},
	})
	require.Equal(t, []string{"carol", "dave"}, textsOf(rows, 1))

	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{{Column: "age", Op: executor.OpIsNull}},
	})
	require.Equal(t, []string{"bob"}, textsOf(rows, 1))
	f.commit(tx)
}

func TestSelectRowidRange(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)

	_, rows := f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "id", Op: executor.OpGt, Value: record.NewInteger(2)},
		},
	})
	require.Equal(t, []string{"carol", "dave"}, textsOf(rows, 1))

	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "id", Op: executor.OpEq, Value: record.NewInteger(3)},
		},
	})
	require.Equal(t, []string{"carol"}, textsOf(rows, 1))
	f.commit(tx)
}

func TestDistinctAndOrderBy(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)

	_, rows := f.query(tx, &executor.SelectStmt{
		Table:    "users",
		Columns:  []string{"city"},
		Distinct: true,
		OrderBy:  []executor.SortKey{{Column: "city"}},
	})
	require.Equal(t, []string{"london", "oslo", "paris"}, textsOf(rows, 0))

	// Multi-key ordering with DESC: city descending, name ascending.
	_, rows = f.query(tx, &executor.SelectStmt{
		Table:   "users",
		Columns: []string{"name"},
		OrderBy: []executor.SortKey{{Column: "city", Desc: true}, {Column: "name"}},
	})
	require.Equal(t, []string{"alice", "carol", "dave", "bob"}, textsOf(rows, 0))
	f.commit(tx)
}

func TestAggregates(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)

	cols, rows := f.query(tx, &executor.SelectStmt{
		Table: "users",
		Aggregates: []executor.Aggregate{
			{Func: executor.AggCount, Column: "*"},
			{Func: executor.AggCount, Column: "age"},
			{Func: executor.AggSum, Column: "age"},
			{Func: executor.AggAvg, Column: "age"},
			{Func: executor.AggMin, Column: "age"},
			{Func: executor.AggMax, Column: "age"},
		},
	})
	require.Equal(t, []string{"COUNT(*)", "COUNT(age)", "SUM(age)", "AVG(age)", "MIN(age)", "MAX(age)"}, cols)
	require.Len(t, rows, 1)
	agg := rows[0]
	require.EqualValues(t, 4, agg[0].Int)
	require.EqualValues(t, 3, agg[1].Int, "COUNT skips NULLs")
	require.EqualValues(t, 96, agg[2].Int)
	require.Equal(t, 32.0, agg[3].Flt)
	require.EqualValues(t, 25, agg[4].Int)
	require.EqualValues(t, 41, agg[5].Int)

	// Aggregates over no rows: COUNT 0, the rest NULL.
	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "city", Op: executor.OpEq, Value: record.NewText("atlantis")},
		},
		Aggregates: []executor.Aggregate{
			{Func: executor.AggCount, Column: "*"},
			{Func: executor.AggMax, Column: "age"},
		},
	})
	require.EqualValues(t, 0, rows[0][0].Int)
	require.True(t, rows[0][1].IsNull())
	f.commit(tx)
}

func TestIndexScanMatchesSeqScan(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)
	require.NoError(t, f.ex.CreateIndex(tx, &executor.CreateIndexStmt{
		Index: "users_by_city", Table: "users", Column: "city",
	}))

	// Equality through the index.
	_, rows := f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "city", Op: executor.OpEq, Value: record.NewText("paris")},
		},
	})
	require.Equal(t, []string{"alice", "carol"}, textsOf(rows, 1))

	// Range through the index.
	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "city", Op: executor.OpGe, Value: record.NewText("oslo")},
		},
	})
	require.Len(t, rows, 3)

	// Rows inserted after index creation are found through it.
	_, err := f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "users",
		Columns: []string{"name", "city"},
		Rows:    [][]record.Value{{record.NewText("heidi"), record.NewText("paris")}},
	})
	require.NoError(t, err)
	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "city", Op: executor.OpEq, Value: record.NewText("paris")},
		},
	})
	require.Equal(t, []string{"alice", "carol", "heidi"}, textsOf(rows, 1))
	f.commit(tx)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)
	require.NoError(t, f.ex.CreateIndex(tx, &executor.CreateIndexStmt{
		Index: "users_by_city", Table: "users", Column: "city",
	}))

	n, err := f.ex.Update(tx, &executor.UpdateStmt{
		Table: "users",
		Set:   map[string]record.Value{"city": record.NewText("berlin")},
		Where: []executor.Condition{
			{Column: "city", Op: executor.OpEq, Value: record.NewText("paris")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// The index reflects the rewrite.
	_, rows := f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "city", Op: executor.OpEq, Value: record.NewText("berlin")},
		},
	})
	require.Equal(t, []string{"alice", "carol"}, textsOf(rows, 1))
	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "city", Op: executor.OpEq, Value: record.NewText("paris")},
		},
	})
	require.Empty(t, rows)

	// Updating the primary key moves the row.
	n, err = f.ex.Update(tx, &executor.UpdateStmt{
		Table: "users",
		Set:   map[string]record.Value{"id": record.NewInteger(100)},
		Where: []executor.Condition{
			{Column: "name", Op: executor.OpEq, Value: record.NewText("dave")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, rows = f.query(tx, &executor.SelectStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "id", Op: executor.OpEq, Value: record.NewInteger(100)},
		},
	})
	require.Equal(t, []string{"dave"}, textsOf(rows, 1))

	// Updating onto an existing primary key is a constraint violation.
	_, err = f.ex.Update(tx, &executor.UpdateStmt{
		Table: "users",
		Set:   map[string]record.Value{"id": record.NewInteger(1)},
		Where: []executor.Condition{
			{Column: "name", Op: executor.OpEq, Value: record.NewText("bob")},
		},
	})
	require.ErrorIs(t, err, executor.ErrConstraint)
	require.Equal(t, txn.Active, tx.State())
	f.commit(tx)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)
	require.NoError(t, f.ex.CreateIndex(tx, &executor.CreateIndexStmt{
		Index: "users_by_city", Table: "users", Column: "city",
	}))

	n, err := f.ex.Delete(tx, &executor.DeleteStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "city", Op: executor.OpEq, Value: record.NewText("paris")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, rows := f.query(tx, &executor.SelectStmt{Table: "users"})
	require.Equal(t, []string{"bob", "dave"}, textsOf(rows, 1))

	// Delete without WHERE clears the table.
	n, err = f.ex.Delete(tx, &executor.DeleteStmt{Table: "users"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	_, rows = f.query(tx, &executor.SelectStmt{Table: "users"})
	require.Empty(t, rows)
	f.commit(tx)
}

func TestDropTableFreesPages(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)
	require.NoError(t, f.ex.CreateIndex(tx, &executor.CreateIndexStmt{
		Index: "users_by_city", Table: "users", Column: "city",
	}))
	f.commit(tx)

	tx = f.begin()
	pagesBefore := f.p.Header(tx.View()).PageCount
	require.NoError(t, f.ex.DropTable(tx, &executor.DropTableStmt{Table: "users"}))

	_, err := f.ex.Select(tx, &executor.SelectStmt{Table: "users"})
	require.ErrorIs(t, err, catalog.ErrSchema)

	err = f.ex.DropTable(tx, &executor.DropTableStmt{Table: "users"})
	require.ErrorIs(t, err, catalog.ErrSchema)
	require.NoError(t, f.ex.DropTable(tx, &executor.DropTableStmt{Table: "users", IfExists: true}))

	// Recreating and refilling reuses freed pages instead of growing
	// the file.
	f.seedUsers(tx)
	require.LessOrEqual(t, f.p.Header(tx.View()).PageCount, pagesBefore)
	f.commit(tx)
}

func TestViews(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)
	require.NoError(t, f.ex.CreateView(tx, &executor.CreateViewStmt{
		View: "parisians",
		Select: &executor.SelectStmt{
			Table:   "users",
			Columns: []string{"name", "age"},
			Where: []executor.Condition{
				{Column: "city", Op: executor.OpEq, Value: record.NewText("paris")},
			},
		},
	}))

	cols, rows := f.query(tx, &executor.SelectStmt{Table: "parisians"})
	require.Equal(t, []string{"name", "age"}, cols)
	require.Equal(t, []string{"alice", "carol"}, textsOf(rows, 0))

	// The view re-executes its definition: new rows show up.
	_, err := f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "users",
		Columns: []string{"name", "city"},
		Rows:    [][]record.Value{{record.NewText("zoe"), record.NewText("paris")}},
	})
	require.NoError(t, err)
	_, rows = f.query(tx, &executor.SelectStmt{Table: "parisians"})
	require.Equal(t, []string{"alice", "carol", "zoe"}, textsOf(rows, 0))

	// Selecting from a view composes with further clauses.
	_, rows = f.query(tx, &executor.SelectStmt{
		Table:   "parisians",
		Columns: []string{"name"},
		Where: []executor.Condition{
			{Column: "age", Op: executor.OpIsNull},
		},
	})
	require.Equal(t, []string{"zoe"}, textsOf(rows, 0))
	f.commit(tx)
}

func TestLeftOuterJoin(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)
	require.NoError(t, f.ex.CreateTable(tx, &executor.CreateTableStmt{
		Table: "orders",
		Columns: []executor.ColumnDef{
			{Name: "order_id", Type: record.Integer, PrimaryKey: true},
			{Name: "user_id", Type: record.Integer},
			{Name: "item", Type: record.Text},
		},
	}))
	_, err := f.ex.Insert(tx, &executor.InsertStmt{
		Table:   "orders",
		Columns: []string{"user_id", "item"},
		Rows: [][]record.Value{
			{record.NewInteger(1), record.NewText("book")},
			{record.NewInteger(1), record.NewText("lamp")},
			{record.NewInteger(3), record.NewText("desk")},
		},
	})
	require.NoError(t, err)

	cols, rows := f.query(tx, &executor.SelectStmt{
		Table: "users",
		Join: &executor.JoinClause{
			Table:       "orders",
			LeftColumn:  "id",
			RightColumn: "user_id",
		},
		Columns: []string{"name", "item"},
		OrderBy: []executor.SortKey{{Column: "name"}, {Column: "item"}},
	})
	require.Equal(t, []string{"name", "item"}, cols)
	require.Len(t, rows, 5, "two matches for alice, one for carol, NULL rows for bob and dave")
	require.Equal(t, []string{"alice", "alice", "bob", "carol", "dave"}, textsOf(rows, 0))
	require.Equal(t, "book", rows[0][1].Str)
	require.Equal(t, "lamp", rows[1][1].Str)
	require.True(t, rows[2][1].IsNull(), "unmatched left row NULL-fills the right side")
	require.Equal(t, "desk", rows[3][1].Str)
	require.True(t, rows[4][1].IsNull())
	f.commit(tx)
}

func TestDeferredReaderUpgradesOnMutation(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)
	f.commit(tx)

	r := f.beginRead()
	_, rows := f.query(r, &executor.SelectStmt{Table: "users"})
	require.Len(t, rows, 4)

	// The first mutation upgrades the deferred transaction to writer.
	require.False(t, r.IsWriter())
	n, err := f.ex.Delete(r, &executor.DeleteStmt{
		Table: "users",
		Where: []executor.Condition{
			{Column: "name", Op: executor.OpEq, Value: record.NewText("dave")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, r.IsWriter())
	f.commit(r)
}

func TestReaderSeesSnapshotDuringWrite(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	f.seedUsers(tx)
	f.commit(tx)

	r := f.beginRead()

	w := f.begin()
	_, err := f.ex.Delete(w, &executor.DeleteStmt{Table: "users"})
	require.NoError(t, err)
	f.commit(w)

	// The reader still sees all four rows of its snapshot.
	_, rows := f.query(r, &executor.SelectStmt{Table: "users"})
	require.Len(t, rows, 4)
	require.NoError(t, r.Commit())

	r2 := f.beginRead()
	_, rows = f.query(r2, &executor.SelectStmt{Table: "users"})
	require.Empty(t, rows)
	require.NoError(t, r2.Commit())
}

func TestMultiRowInsertAndDefaultValues(t *testing.T) {
	f := newFixture(t)
	tx := f.begin()
	require.NoError(t, f.ex.CreateTable(tx, &executor.CreateTableStmt{
		Table: "settings",
		Columns: []executor.ColumnDef{
			{Name: "id", Type: record.Integer, PrimaryKey: true},
			{Name: "flag", Type: record.Integer, HasDefault: true, Default: record.NewInteger(1)},
		},
	}))

	// DEFAULT VALUES: no columns, no rows, one all-defaults row.
	n, err := f.ex.Insert(tx, &executor.InsertStmt{Table: "settings"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, rows := f.query(tx, &executor.SelectStmt{Table: "settings"})
	require.Len(t, rows, 1)
	require.EqualValues(t, 1, rows[0][0].Int)
	require.EqualValues(t, 1, rows[0][1].Int)
	f.commit(tx)
}
