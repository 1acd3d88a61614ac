package btree

import (
	"bytes"
	"sort"

	"quartzdb/core/storage/page"
)

// Bound delimits one end of a cursor's key range. A nil Key leaves that
// end open.
type Bound struct {
	Key       []byte
	Inclusive bool
}

// Cursor iterates entries in ascending key order between two bounds.
// It keeps the descent path on an explicit stack; Reset drops the path
// and the next advance re-seeks past the last key returned, so a scan
// survives tree mutations between entries as long as Reset is called
// after each one.
type Cursor struct {
	tree      *BTree
	low, high Bound
	stack     []cursorFrame
	started   bool
	exhausted bool
	lastKey   []byte
}

// cursorFrame records the position within one node on the descent path:
// the child index for interior nodes, the next entry index for leaves.
type cursorFrame struct {
	n   *node
	idx int
}

// NewCursor returns a cursor over [low, high] honoring the bounds'
// inclusivity. Positioning is lazy; the first Next does the seek.
func (t *BTree) NewCursor(low, high Bound) *Cursor {
	return &Cursor{tree: t, low: low, high: high}
}

// Next returns the next entry in key order, or ok=false when the range
// is exhausted. The returned slices alias node buffers and must not be
// retained across further cursor or tree operations without copying.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	if c.exhausted {
		return nil, nil, false, nil
	}
	if len(c.stack) == 0 {
		from, inclusive := c.low.Key, c.low.Inclusive
		if c.started {
			// Resuming after Reset: continue strictly past the last
			// key handed out.
			from, inclusive = c.lastKey, false
		}
		if err := c.seek(from, inclusive); err != nil {
			return nil, nil, false, err
		}
		c.started = true
	}

	for {
		top := &c.stack[len(c.stack)-1]
		if top.idx < len(top.n.keys) {
			k, v := top.n.keys[top.idx], top.n.values[top.idx]
			top.idx++
			if c.high.Key != nil {
				cmp := bytes.Compare(k, c.high.Key)
				if cmp > 0 || (cmp == 0 && !c.high.Inclusive) {
					c.exhausted = true
					return nil, nil, false, nil
				}
			}
			c.lastKey = append(c.lastKey[:0], k...)
			return k, v, true, nil
		}
		more, err := c.advance()
		if err != nil {
			return nil, nil, false, err
		}
		if !more {
			c.exhausted = true
			return nil, nil, false, nil
		}
	}
}

// Reset drops the cursor's position so the next call to Next re-seeks
// from just past the last returned key. Call it after mutating the tree
// mid-scan.
func (c *Cursor) Reset() {
	c.stack = c.stack[:0]
}

// seek rebuilds the stack positioned at the first entry >= from (or
// > from when inclusive is false). A nil from seeks to the leftmost
// entry.
func (c *Cursor) seek(from []byte, inclusive bool) error {
	c.stack = c.stack[:0]
	n, err := c.tree.fetch(c.tree.root)
	if err != nil {
		return err
	}
	for !n.leaf {
		idx := 0
		if from != nil {
			idx = childIndex(n, from)
		}
		c.stack = append(c.stack, cursorFrame{n: n, idx: idx})
		n, err = c.tree.fetch(n.children[idx])
		if err != nil {
			return err
		}
	}
	idx := 0
	if from != nil {
		idx = sort.Search(len(n.keys), func(i int) bool {
			cmp := bytes.Compare(n.keys[i], from)
			if inclusive {
				return cmp >= 0
			}
			return cmp > 0
		})
	}
	c.stack = append(c.stack, cursorFrame{n: n, idx: idx})
	return nil
}

// advance pops the finished leaf and moves to the leftmost entry of the
// next subtree to the right. Returns false when no subtree remains.
func (c *Cursor) advance() (bool, error) {
	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		top.idx++
		if top.idx < len(top.n.children) {
			if err := c.descendLeft(top.n.children[top.idx]); err != nil {
				return false, err
			}
			return true, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false, nil
}

// descendLeft pushes the path to the leftmost leaf of the subtree at id.
func (c *Cursor) descendLeft(id page.PageID) error {
	n, err := c.tree.fetch(id)
	if err != nil {
		return err
	}
	for !n.leaf {
		c.stack = append(c.stack, cursorFrame{n: n, idx: 0})
		n, err = c.tree.fetch(n.children[0])
		if err != nil {
			return err
		}
	}
	c.stack = append(c.stack, cursorFrame{n: n, idx: 0})
	return nil
}
