package txn

import "fmt"

// lockMode is the strength of a resource lock.
type lockMode uint8

const (
	lockShared lockMode = iota
	lockExclusive
)

func (m lockMode) String() string {
	if m == lockExclusive {
		return "exclusive"
	}
	return "shared"
}

// lockTable maps resources (table names, plus the whole-database
// resource) to their holders. Shared locks are compatible with each
// other; an exclusive lock is compatible with nothing but its own
// holder. Conflicts fail immediately with ErrBusy rather than queue:
// with a single writer and snapshot-isolated readers there is nothing
// to wait for, so the table can never deadlock.
type lockTable struct {
	entries map[string]*lockEntry
}

type lockEntry struct {
	mode    lockMode
	holders map[uint64]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire grants txnID a lock on resource or fails with ErrBusy.
// Re-acquiring a held lock is a no-op; a holder may upgrade its shared
// lock to exclusive when it is the only holder. The caller holds the
// manager mutex.
func (lt *lockTable) acquire(txnID uint64, resource string, mode lockMode) error {
	e, ok := lt.entries[resource]
	if !ok {
		lt.entries[resource] = &lockEntry{
			mode:    mode,
			holders: map[uint64]struct{}{txnID: {}},
		}
		return nil
	}

	_, holding := e.holders[txnID]
	switch {
	case holding && mode <= e.mode:
		return nil
	case holding && len(e.holders) == 1:
		// Sole holder upgrading shared to exclusive.
		e.mode = lockExclusive
		return nil
	case holding:
		return fmt.Errorf("%w: cannot upgrade to %s lock on %q, held shared by %d others",
			ErrBusy, mode, resource, len(e.holders)-1)
	case e.mode == lockExclusive:
		return fmt.Errorf("%w: %q is locked exclusively", ErrBusy, resource)
	case mode == lockExclusive:
		return fmt.Errorf("%w: cannot lock %q exclusively, held shared by %d transactions",
			ErrBusy, resource, len(e.holders))
	default:
		e.holders[txnID] = struct{}{}
		return nil
	}
}

// releaseAll drops every lock held by txnID. Locks release atomically
// at commit or abort, never earlier. The caller holds the manager
// mutex.
func (lt *lockTable) releaseAll(txnID uint64) {
	for resource, e := range lt.entries {
		if _, ok := e.holders[txnID]; !ok {
			continue
		}
		delete(e.holders, txnID)
		if len(e.holders) == 0 {
			delete(lt.entries, resource)
		}
	}
}
