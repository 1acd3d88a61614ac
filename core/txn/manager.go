// Package txn coordinates transactions over the pager: one writer at a
// time holding an explicit token, any number of readers each pinned to
// the commit sequence current at its begin. Readers see that snapshot
// for their whole lifetime; the writer sees its own staged pages. The
// registry of active reader snapshots drives version garbage collection
// in the pager.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"quartzdb/core/storage/pager"
	"quartzdb/pkg/telemetry"
)

var (
	// ErrBusy means the writer token (or a conflicting lock) could not
	// be acquired within the busy timeout.
	ErrBusy = errors.New("database is busy")
	// ErrTxnFinished means the transaction was already committed or
	// rolled back.
	ErrTxnFinished = errors.New("transaction already finished")
	// ErrReadOnlyTxn means a mutation was attempted on a read-only
	// transaction that cannot or must not upgrade.
	ErrReadOnlyTxn = errors.New("transaction is read-only")
	// ErrStaleSnapshot means a deferred transaction tried to upgrade
	// after another writer committed past its snapshot.
	ErrStaleSnapshot = fmt.Errorf("%w: snapshot is stale, another transaction committed first", ErrBusy)
)

// Mode selects how eagerly a transaction takes the writer token.
type Mode uint8

const (
	// Deferred starts read-only and upgrades to writer on the first
	// mutation. The upgrade can fail with ErrBusy.
	Deferred Mode = iota
	// Immediate takes the writer token at begin.
	Immediate
	// Exclusive takes the writer token at begin and additionally locks
	// out new readers until it finishes.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Deferred:
		return "deferred"
	case Immediate:
		return "immediate"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// State tracks a transaction through its lifecycle.
type State uint8

const (
	Active State = iota
	Committing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// dbResource is the lock-table resource covering the whole database.
// Exclusive transactions hold it EXCLUSIVE; everyone else SHARED.
const dbResource = "\x00db"

// Manager hands out transactions and enforces the single-writer rule.
type Manager struct {
	pager       *pager.Pager
	log         *zap.Logger
	metrics     *telemetry.Metrics
	busyTimeout time.Duration

	// writerToken holds one token when no writer is active.
	writerToken chan struct{}

	nextTxnID atomic.Uint64

	mu      sync.Mutex
	readers map[uint64]uint64 // txn id -> pinned snapshot
	locks   *lockTable
}

// NewManager creates a manager over the pager. busyTimeout bounds how
// long Begin and upgrades wait for the writer token; zero fails fast.
func NewManager(p *pager.Pager, busyTimeout time.Duration, log *zap.Logger, metrics *telemetry.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		pager:       p,
		log:         log.Named("txn"),
		metrics:     metrics,
		busyTimeout: busyTimeout,
		writerToken: make(chan struct{}, 1),
		readers:     make(map[uint64]uint64),
		locks:       newLockTable(),
	}
	m.writerToken <- struct{}{}
	return m
}

// Txn is one transaction. Not safe for concurrent use by multiple
// goroutines.
type Txn struct {
	id       uint64
	mgr      *Manager
	mode     Mode
	state    State
	writer   bool
	snapshot uint64
}

// Begin starts a transaction in the given mode. Deferred transactions
// pin the current commit sequence as their snapshot; Immediate and
// Exclusive block on the writer token up to the busy timeout.
func (m *Manager) Begin(mode Mode) (*Txn, error) {
	t := &Txn{id: m.nextTxnID.Add(1), mgr: m, mode: mode, state: Active}

	lockMode := lockShared
	if mode == Exclusive {
		lockMode = lockExclusive
	}

	if mode == Immediate || mode == Exclusive {
		if err := m.acquireWriter(); err != nil {
			return nil, err
		}
		if err := m.lock(t, dbResource, lockMode); err != nil {
			m.releaseWriter()
			return nil, err
		}
		t.writer = true
		t.snapshot = m.pager.CommitSeq()
	} else {
		m.mu.Lock()
		if err := m.locks.acquire(t.id, dbResource, lockMode); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		t.snapshot = m.pager.CommitSeq()
		m.readers[t.id] = t.snapshot
		m.mu.Unlock()
		m.metrics.ReaderStarted()
	}

	m.log.Debug("transaction started",
		zap.Uint64("txn_id", t.id),
		zap.String("mode", mode.String()),
		zap.Uint64("snapshot", t.snapshot),
		zap.Bool("writer", t.writer))
	return t, nil
}

func (m *Manager) acquireWriter() error {
	if m.busyTimeout <= 0 {
		select {
		case <-m.writerToken:
		default:
			return fmt.Errorf("%w: another write transaction is active", ErrBusy)
		}
	} else {
		timer := time.NewTimer(m.busyTimeout)
		defer timer.Stop()
		select {
		case <-m.writerToken:
		case <-timer.C:
			m.metrics.IncBusyRejection()
			return fmt.Errorf("%w: writer token not released within %s", ErrBusy, m.busyTimeout)
		}
	}
	if err := m.pager.BeginWrite(); err != nil {
		m.writerToken <- struct{}{}
		return err
	}
	return nil
}

func (m *Manager) releaseWriter() {
	m.pager.EndWrite()
	m.writerToken <- struct{}{}
}

// lock acquires a resource lock for t, holding the manager mutex.
func (m *Manager) lock(t *Txn, resource string, mode lockMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks.acquire(t.id, resource, mode)
}

// ID returns the transaction id.
func (t *Txn) ID() uint64 { return t.id }

// State returns the current lifecycle state.
func (t *Txn) State() State { return t.state }

// Mode returns the begin mode.
func (t *Txn) Mode() Mode { return t.mode }

// Snapshot returns the pinned commit sequence.
func (t *Txn) Snapshot() uint64 { return t.snapshot }

// IsWriter reports whether the transaction holds the writer token.
func (t *Txn) IsWriter() bool { return t.writer }

// View returns the pager view for this transaction's reads.
func (t *Txn) View() pager.View {
	if t.writer {
		return pager.View{Writer: true}
	}
	return pager.View{Snapshot: t.snapshot}
}

// EnsureWriter upgrades a deferred transaction to writer before its
// first mutation. The upgrade fails with ErrStaleSnapshot when another
// transaction committed after this one's snapshot was pinned, and with
// ErrBusy when the writer token is held.
func (t *Txn) EnsureWriter() error {
	if t.state != Active {
		return fmt.Errorf("%w: state %s", ErrTxnFinished, t.state)
	}
	if t.writer {
		return nil
	}
	m := t.mgr
	if err := m.acquireWriter(); err != nil {
		return err
	}
	if m.pager.CommitSeq() != t.snapshot {
		m.releaseWriter()
		return ErrStaleSnapshot
	}
	m.mu.Lock()
	if _, ok := m.readers[t.id]; ok {
		delete(m.readers, t.id)
		m.metrics.ReaderFinished()
	}
	m.mu.Unlock()
	t.writer = true
	m.log.Debug("transaction upgraded to writer", zap.Uint64("txn_id", t.id))
	return nil
}

// Lock takes a table-level lock for the transaction. Shared requests
// by snapshot readers are a no-op: their pinned snapshot already
// isolates them, and a reader must never hold anything that can make
// the writer fail. The writer takes EXCLUSIVE on tables it mutates, so
// exclusive-mode transactions (which hold the whole-database lock) and
// table locks still fence each other. With a single writer the lock
// table cannot deadlock; a conflict surfaces immediately as ErrBusy.
func (t *Txn) Lock(resource string, exclusive bool) error {
	if t.state != Active {
		return fmt.Errorf("%w: state %s", ErrTxnFinished, t.state)
	}
	if !exclusive && !t.writer {
		return nil
	}
	mode := lockShared
	if exclusive {
		mode = lockExclusive
	}
	return t.mgr.lock(t, resource, mode)
}

// Commit makes the transaction's changes durable. For a writer this
// checkpoints the staged pages under the next commit sequence; the
// header write inside the checkpoint is the commit point. A failed
// checkpoint aborts the transaction.
func (t *Txn) Commit() error {
	if t.state != Active {
		return fmt.Errorf("%w: state %s", ErrTxnFinished, t.state)
	}
	m := t.mgr

	if !t.writer {
		t.state = Committed
		t.finish()
		return nil
	}

	t.state = Committing
	newSeq := m.pager.CommitSeq() + 1
	res, err := m.pager.Checkpoint(newSeq)
	if err != nil {
		m.pager.Discard()
		t.state = Aborted
		m.releaseWriter()
		t.finish()
		m.metrics.IncRollback()
		return fmt.Errorf("commit checkpoint failed: %w", err)
	}
	t.state = Committed
	m.releaseWriter()
	t.finish()
	m.metrics.IncCommit()
	m.log.Info("transaction committed",
		zap.Uint64("txn_id", t.id),
		zap.Uint64("commit_seq", res.CommitSeq),
		zap.String("checkpoint_id", res.ID),
		zap.Int("pages_flushed", res.PagesFlushed))
	return nil
}

// Rollback abandons the transaction. A writer's staged pages are
// discarded; they never reached the file.
func (t *Txn) Rollback() error {
	if t.state != Active {
		return fmt.Errorf("%w: state %s", ErrTxnFinished, t.state)
	}
	m := t.mgr
	if t.writer {
		m.pager.Discard()
		m.releaseWriter()
	}
	t.state = Aborted
	t.finish()
	m.metrics.IncRollback()
	m.log.Debug("transaction rolled back", zap.Uint64("txn_id", t.id))
	return nil
}

// finish releases locks and the reader registration, then lets the
// pager drop page versions no remaining reader can reach.
func (t *Txn) finish() {
	m := t.mgr
	m.mu.Lock()
	m.locks.releaseAll(t.id)
	if _, ok := m.readers[t.id]; ok {
		delete(m.readers, t.id)
		m.metrics.ReaderFinished()
	}
	min := m.pager.CommitSeq()
	for _, snap := range m.readers {
		if snap < min {
			min = snap
		}
	}
	m.mu.Unlock()
	m.pager.GC(min)
}

// ActiveReaders reports the number of registered reader transactions.
func (m *Manager) ActiveReaders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readers)
}
