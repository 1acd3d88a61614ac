// Package quartzdb is an embedded single-file relational storage
// engine: tables and secondary indexes stored as B-trees over a paged
// file, serializable single-writer transactions with snapshot-isolated
// readers, and an executor for resolved statement trees. The whole
// database lives in one file; durability comes from the checkpoint
// protocol, which never lets an uncommitted page reach disk.
//
//	db, err := quartzdb.Open("app.qdb", nil)
//	...
//	conn := db.Conn()
//	err = conn.CreateTable(&quartzdb.CreateTableStmt{...})
package quartzdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"quartzdb/config"
	"quartzdb/core/catalog"
	"quartzdb/core/executor"
	"quartzdb/core/storage/pager"
	"quartzdb/core/txn"
	"quartzdb/pkg/logger"
	"quartzdb/pkg/telemetry"
)

// Errors callers branch on, re-exported from the layers that raise
// them.
var (
	ErrBusy        = txn.ErrBusy
	ErrTxnFinished = txn.ErrTxnFinished
	ErrConstraint  = executor.ErrConstraint
	ErrSchema      = catalog.ErrSchema

	// ErrClosed means the DB handle was already closed.
	ErrClosed = errors.New("database is closed")
	// ErrNestedTxn means Begin was called while a transaction is open
	// on the connection.
	ErrNestedTxn = errors.New("transaction already open on this connection")
	// ErrNoTxn means Commit or Rollback was called with no open
	// transaction.
	ErrNoTxn = errors.New("no open transaction on this connection")
)

// Transaction modes, re-exported for Conn.BeginMode.
const (
	Deferred  = txn.Deferred
	Immediate = txn.Immediate
	Exclusive = txn.Exclusive
)

// DB is an open database file. Safe for concurrent use; writers
// serialize on the single writer token.
type DB struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *telemetry.Metrics

	pager   *pager.Pager
	manager *txn.Manager
	cat     *catalog.Catalog
	exec    *executor.Executor

	mu     sync.Mutex
	closed bool
}

// Open opens the database file at path, creating it when absent. A nil
// cfg uses the defaults.
func Open(path string, cfg *config.Config) (*DB, error) {
	c := config.Default()
	if cfg != nil {
		c = *cfg
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(c.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	metrics, err := telemetry.New(c.Telemetry, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	dm := pager.NewDiskManager(path, c.PageSize)
	hdr, err := dm.OpenOrCreate(true)
	if err != nil {
		return nil, err
	}
	p, err := pager.New(dm, hdr, pager.Options{CachePages: c.CachePages, NoSync: c.NoSync}, log, metrics)
	if err != nil {
		dm.Close()
		return nil, err
	}

	cat := catalog.New(p, c.BTreeDegree, log)
	db := &DB{
		cfg:     c,
		log:     log,
		metrics: metrics,
		pager:   p,
		manager: txn.NewManager(p, c.BusyTimeout, log, metrics),
		cat:     cat,
		exec:    executor.New(p, cat, log),
	}
	log.Info("database opened",
		zap.String("path", path),
		zap.Uint64("commit_seq", hdr.CommitSeq),
		zap.Uint32("pages", hdr.PageCount))
	return db, nil
}

// Conn returns a new connection. Connections are cheap; use one per
// goroutine.
func (db *DB) Conn() *Conn {
	return &Conn{db: db}
}

// Close releases the page cache and the file. Committed state is
// already durable; nothing is flushed here.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.closed = true
	db.log.Info("database closed")
	return db.pager.Close()
}

func (db *DB) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}
