// Package btree maintains sorted key to value mappings over pages:
// point lookup, ascending range scans, insert and delete with automatic
// rebalancing. Interior pages hold separator keys and child pointers;
// leaves hold the entries. All page access goes through the pager, so a
// tree opened on a reader view scans a consistent snapshot while the
// writer mutates its own staged pages.
//
// Keys are opaque byte strings ordered by bytes.Compare; the record
// package produces order-preserving encodings for rowids and indexed
// column values. Trees that must reject duplicate keys (tables keyed by
// rowid) use Insert; secondary indexes embed a rowid tiebreaker in the
// key itself, which keeps every stored key unique while allowing any
// number of entries per column value.
package btree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"quartzdb/core/storage/page"
	"quartzdb/core/storage/pager"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrValueTooLarge    = errors.New("entry too large for page")
	ErrCorruptNode      = errors.New("corrupt btree node")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidDegree    = errors.New("btree degree must be at least 2")
	ErrReadOnlyView     = errors.New("btree mutation on a read-only view")
)

// BTree is a handle on one tree for the duration of one transaction's
// view. The root page number can change when the tree gains or loses a
// level; callers persist Root() after mutating operations.
type BTree struct {
	pager  *pager.Pager
	view   pager.View
	root   page.PageID
	degree int
	log    *zap.Logger
}

// Create allocates an empty tree (a single leaf root) inside the
// current write transaction and returns its root page number.
func Create(p *pager.Pager, degree int, log *zap.Logger) (page.PageID, error) {
	if degree < 2 {
		return page.InvalidPageID, fmt.Errorf("%w: got %d", ErrInvalidDegree, degree)
	}
	id, err := p.Allocate()
	if err != nil {
		return page.InvalidPageID, err
	}
	root := newLeaf(id)
	data, err := root.serialize(p.PageSize())
	if err != nil {
		return page.InvalidPageID, err
	}
	if err := p.Write(id, data); err != nil {
		return page.InvalidPageID, err
	}
	if log != nil {
		log.Debug("created btree", zap.Uint32("root", uint32(id)))
	}
	return id, nil
}

// Open attaches to an existing tree rooted at root, reading through the
// given view.
func Open(p *pager.Pager, view pager.View, root page.PageID, degree int, log *zap.Logger) (*BTree, error) {
	if degree < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDegree, degree)
	}
	if root == page.InvalidPageID {
		return nil, fmt.Errorf("%w: tree has no root page", ErrCorruptNode)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BTree{pager: p, view: view, root: root, degree: degree, log: log}, nil
}

// Root returns the current root page number.
func (t *BTree) Root() page.PageID { return t.root }

// MaxEntrySize returns the byte budget for one key+value entry: a full
// node of 2*degree-1 maximal entries must always fit in one page.
func MaxEntrySize(pageSize, degree int) int {
	maxKeys := 2*degree - 1
	usable := pageSize - nodeHeaderSize - checksumSize
	return (usable-4*(maxKeys+1))/maxKeys - 4
}

func (t *BTree) maxKeys() int { return 2*t.degree - 1 }
func (t *BTree) minKeys() int { return t.degree - 1 }

func (t *BTree) fetch(id page.PageID) (*node, error) {
	pg, err := t.pager.Read(t.view, id)
	if err != nil {
		return nil, err
	}
	return deserializeNode(pg)
}

func (t *BTree) write(n *node) error {
	data, err := n.serialize(t.pager.PageSize())
	if err != nil {
		return err
	}
	return t.pager.Write(n.pageID, data)
}

// childIndex picks the child subtree for key. Separator keys[i] is the
// smallest key of children[i+1], so keys equal to a separator descend
// right.
func childIndex(n *node, key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
}

// leafIndex finds the position of key in a leaf.
func leafIndex(n *node, key []byte) (int, bool) {
	idx := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) >= 0
	})
	return idx, idx < len(n.keys) && bytes.Equal(n.keys[idx], key)
}

// Find returns the value stored under key, or found=false.
func (t *BTree) Find(key []byte) ([]byte, bool, error) {
	n, err := t.fetch(t.root)
	if err != nil {
		return nil, false, err
	}
	for !n.leaf {
		n, err = t.fetch(n.children[childIndex(n, key)])
		if err != nil {
			return nil, false, err
		}
	}
	idx, found := leafIndex(n, key)
	if !found {
		return nil, false, nil
	}
	return n.values[idx], true, nil
}

// Insert adds an entry, failing with ErrKeyAlreadyExists when the key
// is present.
func (t *BTree) Insert(key, value []byte) error {
	return t.insert(key, value, false)
}

// Put adds or replaces the entry under key.
func (t *BTree) Put(key, value []byte) error {
	return t.insert(key, value, true)
}

func (t *BTree) insert(key, value []byte, upsert bool) error {
	if !t.view.Writer {
		return ErrReadOnlyView
	}
	if len(key)+len(value) > MaxEntrySize(t.pager.PageSize(), t.degree) {
		return fmt.Errorf("%w: key %d bytes + value %d bytes exceeds budget %d",
			ErrValueTooLarge, len(key), len(value), MaxEntrySize(t.pager.PageSize(), t.degree))
	}

	n, err := t.fetch(t.root)
	if err != nil {
		return err
	}
	// Split a full root up front: the tree grows a level here and
	// nowhere else.
	if len(n.keys) == t.maxKeys() {
		newRootID, err := t.pager.Allocate()
		if err != nil {
			return err
		}
		newRoot := newInterior(newRootID)
		newRoot.children = []page.PageID{t.root}
		if err := t.splitChild(newRoot, 0); err != nil {
			return err
		}
		oldRoot := t.root
		t.root = newRootID
		t.log.Debug("btree grew a level",
			zap.Uint32("old_root", uint32(oldRoot)), zap.Uint32("new_root", uint32(newRootID)))
		n, err = t.fetch(newRootID)
		if err != nil {
			return err
		}
	}

	// Descend with preemptive splits: every interior node we pass has
	// room for a promoted separator, so splits never propagate back up.
	for {
		if n.leaf {
			idx, found := leafIndex(n, key)
			if found {
				if !upsert {
					return fmt.Errorf("%w: %x", ErrKeyAlreadyExists, key)
				}
				n.values[idx] = value
				return t.write(n)
			}
			n.insertEntryAt(idx, key, value)
			return t.write(n)
		}

		idx := childIndex(n, key)
		child, err := t.fetch(n.children[idx])
		if err != nil {
			return err
		}
		if len(child.keys) == t.maxKeys() {
			if err := t.splitChild(n, idx); err != nil {
				return err
			}
			// The split added separator n.keys[idx]; keys at or above
			// it belong to the new right sibling.
			if bytes.Compare(key, n.keys[idx]) >= 0 {
				idx++
			}
			child, err = t.fetch(n.children[idx])
			if err != nil {
				return err
			}
		}
		n = child
	}
}

// splitChild splits the full child at parent.children[idx] into two
// nodes and inserts the separator into parent, which must have room.
func (t *BTree) splitChild(parent *node, idx int) error {
	child, err := t.fetch(parent.children[idx])
	if err != nil {
		return err
	}
	newID, err := t.pager.Allocate()
	if err != nil {
		return err
	}

	mid := t.degree - 1
	right := &node{pageID: newID, leaf: child.leaf}
	var sep []byte
	if child.leaf {
		// Leaf split: the upper half moves right and the separator is a
		// copy of the right half's first key, so every entry stays in a
		// leaf.
		right.keys = append([][]byte(nil), child.keys[mid:]...)
		right.values = append([][]byte(nil), child.values[mid:]...)
		child.keys = child.keys[:mid]
		child.values = child.values[:mid]
		sep = append([]byte(nil), right.keys[0]...)
	} else {
		// Interior split: the median moves up.
		sep = child.keys[mid]
		right.keys = append([][]byte(nil), child.keys[mid+1:]...)
		right.children = append([]page.PageID(nil), child.children[mid+1:]...)
		child.keys = child.keys[:mid]
		child.children = child.children[:mid+1]
	}

	if err := t.write(child); err != nil {
		return err
	}
	if err := t.write(right); err != nil {
		return err
	}
	parent.insertKeyAt(idx, sep, newID)
	return t.write(parent)
}

// Delete removes the entry under key, rebalancing by borrowing from a
// sibling or merging when a node would fall below minimum fill. The
// tree loses a level only at the root.
func (t *BTree) Delete(key []byte) error {
	if !t.view.Writer {
		return ErrReadOnlyView
	}

	n, err := t.fetch(t.root)
	if err != nil {
		return err
	}
	// Descend guaranteeing every non-root node we enter holds more than
	// the minimum, so removal at the leaf never underflows an ancestor.
	for !n.leaf {
		idx := childIndex(n, key)
		child, err := t.fetch(n.children[idx])
		if err != nil {
			return err
		}
		if len(child.keys) <= t.minKeys() {
			child, err = t.fill(n, idx)
			if err != nil {
				return err
			}
		}
		n = child
	}

	idx, found := leafIndex(n, key)
	if !found {
		return fmt.Errorf("%w: %x", ErrKeyNotFound, key)
	}
	n.removeEntryAt(idx)
	return t.write(n)
}

// fill brings parent.children[idx] above minimum occupancy by borrowing
// from an adjacent sibling, or merging with one when both siblings sit
// at minimum. Returns the node to descend into.
func (t *BTree) fill(parent *node, idx int) (*node, error) {
	child, err := t.fetch(parent.children[idx])
	if err != nil {
		return nil, err
	}

	if idx > 0 {
		left, err := t.fetch(parent.children[idx-1])
		if err != nil {
			return nil, err
		}
		if len(left.keys) > t.minKeys() {
			if err := t.borrowFromLeft(parent, idx, child, left); err != nil {
				return nil, err
			}
			return child, nil
		}
	}
	if idx < len(parent.children)-1 {
		right, err := t.fetch(parent.children[idx+1])
		if err != nil {
			return nil, err
		}
		if len(right.keys) > t.minKeys() {
			if err := t.borrowFromRight(parent, idx, child, right); err != nil {
				return nil, err
			}
			return child, nil
		}
	}

	// Both siblings at minimum fill: merge.
	leftIdx := idx
	if idx > 0 {
		leftIdx = idx - 1
	}
	return t.merge(parent, leftIdx)
}

// borrowFromLeft redistributes one entry from the left sibling.
func (t *BTree) borrowFromLeft(parent *node, idx int, child, left *node) error {
	last := len(left.keys) - 1
	if child.leaf {
		child.keys = append([][]byte{left.keys[last]}, child.keys...)
		child.values = append([][]byte{left.values[last]}, child.values...)
		left.keys = left.keys[:last]
		left.values = left.values[:last]
		parent.keys[idx-1] = append([]byte(nil), child.keys[0]...)
	} else {
		child.keys = append([][]byte{parent.keys[idx-1]}, child.keys...)
		child.children = append([]page.PageID{left.children[last+1]}, child.children...)
		parent.keys[idx-1] = left.keys[last]
		left.keys = left.keys[:last]
		left.children = left.children[:last+1]
	}
	if err := t.write(left); err != nil {
		return err
	}
	if err := t.write(child); err != nil {
		return err
	}
	return t.write(parent)
}

// borrowFromRight redistributes one entry from the right sibling.
func (t *BTree) borrowFromRight(parent *node, idx int, child, right *node) error {
	if child.leaf {
		child.keys = append(child.keys, right.keys[0])
		child.values = append(child.values, right.values[0])
		right.keys = right.keys[1:]
		right.values = right.values[1:]
		parent.keys[idx] = append([]byte(nil), right.keys[0]...)
	} else {
		child.keys = append(child.keys, parent.keys[idx])
		child.children = append(child.children, right.children[0])
		parent.keys[idx] = right.keys[0]
		right.keys = right.keys[1:]
		right.children = right.children[1:]
	}
	if err := t.write(right); err != nil {
		return err
	}
	if err := t.write(child); err != nil {
		return err
	}
	return t.write(parent)
}

// merge absorbs parent.children[leftIdx+1] into parent.children[leftIdx],
// freeing the absorbed page. When this empties the root, the merged
// node becomes the new root and the tree shrinks a level.
func (t *BTree) merge(parent *node, leftIdx int) (*node, error) {
	left, err := t.fetch(parent.children[leftIdx])
	if err != nil {
		return nil, err
	}
	right, err := t.fetch(parent.children[leftIdx+1])
	if err != nil {
		return nil, err
	}

	if left.leaf {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
	} else {
		left.keys = append(left.keys, parent.keys[leftIdx])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}
	parent.keys = append(parent.keys[:leftIdx], parent.keys[leftIdx+1:]...)
	parent.children = append(parent.children[:leftIdx+1], parent.children[leftIdx+2:]...)

	if err := t.pager.Free(right.pageID); err != nil {
		return nil, err
	}
	if err := t.write(left); err != nil {
		return nil, err
	}

	if parent.pageID == t.root && len(parent.keys) == 0 {
		if err := t.pager.Free(parent.pageID); err != nil {
			return nil, err
		}
		oldRoot := t.root
		t.root = left.pageID
		t.log.Debug("btree shrank a level",
			zap.Uint32("old_root", uint32(oldRoot)), zap.Uint32("new_root", uint32(left.pageID)))
		return left, nil
	}
	if err := t.write(parent); err != nil {
		return nil, err
	}
	return left, nil
}

// Last returns the highest-ordered entry, or ok=false on an empty
// tree. Rowid assignment reads the current maximum through this.
func (t *BTree) Last() (key, value []byte, ok bool, err error) {
	n, err := t.fetch(t.root)
	if err != nil {
		return nil, nil, false, err
	}
	for !n.leaf {
		n, err = t.fetch(n.children[len(n.children)-1])
		if err != nil {
			return nil, nil, false, err
		}
	}
	if len(n.keys) == 0 {
		return nil, nil, false, nil
	}
	last := len(n.keys) - 1
	return n.keys[last], n.values[last], true, nil
}

// FreeAll returns every page of the tree to the freelist. The tree is
// unusable afterwards; callers drop the catalog record that roots it.
func (t *BTree) FreeAll() error {
	if !t.view.Writer {
		return ErrReadOnlyView
	}
	return t.freeSubtree(t.root)
}

func (t *BTree) freeSubtree(id page.PageID) error {
	n, err := t.fetch(id)
	if err != nil {
		return err
	}
	if !n.leaf {
		for _, child := range n.children {
			if err := t.freeSubtree(child); err != nil {
				return err
			}
		}
	}
	return t.pager.Free(id)
}

// Count walks the tree and returns the number of entries. Intended for
// introspection and tests, not hot paths.
func (t *BTree) Count() (int, error) {
	return t.countSubtree(t.root)
}

func (t *BTree) countSubtree(id page.PageID) (int, error) {
	n, err := t.fetch(id)
	if err != nil {
		return 0, err
	}
	if n.leaf {
		return len(n.keys), nil
	}
	total := 0
	for _, child := range n.children {
		c, err := t.countSubtree(child)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

// Depth returns the number of levels from root to leaf. All leaves sit
// at the same depth; Depth follows the leftmost spine.
func (t *BTree) Depth() (int, error) {
	depth := 1
	n, err := t.fetch(t.root)
	if err != nil {
		return 0, err
	}
	for !n.leaf {
		depth++
		n, err = t.fetch(n.children[0])
		if err != nil {
			return 0, err
		}
	}
	return depth, nil
}
