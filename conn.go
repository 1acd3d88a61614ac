package quartzdb

import (
	"quartzdb/core/executor"
	"quartzdb/core/storage/record"
	"quartzdb/core/txn"
)

// Statement trees and values, re-exported so embedders work with one
// import.
type (
	Value      = record.Value
	Condition  = executor.Condition
	ColumnDef  = executor.ColumnDef
	SortKey    = executor.SortKey
	JoinClause = executor.JoinClause
	Aggregate  = executor.Aggregate

	CreateTableStmt = executor.CreateTableStmt
	DropTableStmt   = executor.DropTableStmt
	CreateIndexStmt = executor.CreateIndexStmt
	CreateViewStmt  = executor.CreateViewStmt
	InsertStmt      = executor.InsertStmt
	SelectStmt      = executor.SelectStmt
	UpdateStmt      = executor.UpdateStmt
	DeleteStmt      = executor.DeleteStmt
)

// Rows is a fully materialized query result.
type Rows struct {
	Columns []string
	Rows    [][]record.Value
}

// Conn executes statements, one at a time, against the database.
// Without an explicit transaction every statement auto-commits; Begin
// opens a transaction that spans statements until Commit or Rollback.
// A Conn is not safe for concurrent use.
type Conn struct {
	db *DB
	tx *txn.Txn
}

// Begin opens a deferred transaction: it reads from a snapshot and
// takes the writer token on its first mutation.
func (c *Conn) Begin() error {
	return c.BeginMode(Deferred)
}

// BeginMode opens a transaction in the given mode.
func (c *Conn) BeginMode(mode txn.Mode) error {
	if c.db.isClosed() {
		return ErrClosed
	}
	if c.tx != nil {
		return ErrNestedTxn
	}
	t, err := c.db.manager.Begin(mode)
	if err != nil {
		return err
	}
	c.tx = t
	return nil
}

// Commit makes the open transaction's changes durable.
func (c *Conn) Commit() error {
	if c.tx == nil {
		return ErrNoTxn
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

// Rollback abandons the open transaction.
func (c *Conn) Rollback() error {
	if c.tx == nil {
		return ErrNoTxn
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

// InTxn reports whether an explicit transaction is open.
func (c *Conn) InTxn() bool { return c.tx != nil }

// run executes fn inside the open transaction, or inside a fresh
// auto-commit transaction. A statement error inside an explicit
// transaction leaves it active; in auto-commit it rolls back.
func (c *Conn) run(fn func(t *txn.Txn) error) error {
	if c.db.isClosed() {
		return ErrClosed
	}
	if c.tx != nil {
		return fn(c.tx)
	}
	t, err := c.db.manager.Begin(txn.Deferred)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Commit()
}

// CreateTable creates a table.
func (c *Conn) CreateTable(stmt *CreateTableStmt) error {
	return c.run(func(t *txn.Txn) error {
		return c.db.exec.CreateTable(t, stmt)
	})
}

// DropTable removes a table, its rows and its indexes.
func (c *Conn) DropTable(stmt *DropTableStmt) error {
	return c.run(func(t *txn.Txn) error {
		return c.db.exec.DropTable(t, stmt)
	})
}

// CreateIndex creates a secondary index over existing rows.
func (c *Conn) CreateIndex(stmt *CreateIndexStmt) error {
	return c.run(func(t *txn.Txn) error {
		return c.db.exec.CreateIndex(t, stmt)
	})
}

// CreateView stores a named query.
func (c *Conn) CreateView(stmt *CreateViewStmt) error {
	return c.run(func(t *txn.Txn) error {
		return c.db.exec.CreateView(t, stmt)
	})
}

// Insert adds rows and returns how many were inserted.
func (c *Conn) Insert(stmt *InsertStmt) (int, error) {
	var n int
	err := c.run(func(t *txn.Txn) error {
		var err error
		n, err = c.db.exec.Insert(t, stmt)
		return err
	})
	return n, err
}

// Select runs a query and returns the materialized result.
func (c *Conn) Select(stmt *SelectStmt) (*Rows, error) {
	var out *Rows
	err := c.run(func(t *txn.Txn) error {
		res, err := c.db.exec.Select(t, stmt)
		if err != nil {
			return err
		}
		if err := res.Open(); err != nil {
			return err
		}
		defer res.Close()

		rows := &Rows{Columns: res.Columns}
		for {
			ok, err := res.HasNext()
			if err != nil {
				return err
			}
			if !ok {
				out = rows
				return nil
			}
			row, err := res.Next()
			if err != nil {
				return err
			}
			rows.Rows = append(rows.Rows, row.Values)
		}
	})
	return out, err
}

// Update rewrites matching rows and returns how many changed.
func (c *Conn) Update(stmt *UpdateStmt) (int, error) {
	var n int
	err := c.run(func(t *txn.Txn) error {
		var err error
		n, err = c.db.exec.Update(t, stmt)
		return err
	})
	return n, err
}

// Delete removes matching rows and returns how many.
func (c *Conn) Delete(stmt *DeleteStmt) (int, error) {
	var n int
	err := c.run(func(t *txn.Txn) error {
		var err error
		n, err = c.db.exec.Delete(t, stmt)
		return err
	})
	return n, err
}
