package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"quartzdb/core/storage/page"
)

// On-page node layout:
//
//	[0]        page type tag (leaf or interior)
//	[1:3]      key count, little-endian uint16
//	...        keys as {uint16 length, bytes}
//	leaf:      values as {uint16 length, bytes}, one per key
//	interior:  child page ids as uint32, key count + 1 of them
//	[size-4:]  crc32 (IEEE) over everything before it
//
// The checksum is verified on every deserialization; a mismatch means
// the page bytes are not what the engine wrote and the node is refused.

const (
	nodeHeaderSize = 3
	checksumSize   = 4
)

// node is the in-memory form of a B-tree page. Interior nodes hold
// separator keys and children only; leaves hold the key/value entries.
// Nodes never store parent pointers; ancestry lives in the descent
// stack of the operation that fetched them.
type node struct {
	pageID   page.PageID
	leaf     bool
	keys     [][]byte
	values   [][]byte      // leaves only
	children []page.PageID // interior only, len(keys)+1
}

func newLeaf(id page.PageID) *node {
	return &node{pageID: id, leaf: true}
}

func newInterior(id page.PageID) *node {
	return &node{pageID: id}
}

// serializedSize returns the byte size of the node as laid out on a page,
// checksum excluded.
func (n *node) serializedSize() int {
	size := nodeHeaderSize
	for _, k := range n.keys {
		size += 2 + len(k)
	}
	if n.leaf {
		for _, v := range n.values {
			size += 2 + len(v)
		}
	} else {
		size += 4 * len(n.children)
	}
	return size
}

// serialize lays the node out into a fresh page image.
func (n *node) serialize(pageSize int) ([]byte, error) {
	if n.serializedSize()+checksumSize > pageSize {
		return nil, fmt.Errorf("%w: node on page %d needs %d bytes, page holds %d",
			ErrValueTooLarge, n.pageID, n.serializedSize()+checksumSize, pageSize)
	}
	if !n.leaf && len(n.children) != len(n.keys)+1 {
		return nil, fmt.Errorf("%w: interior page %d has %d keys but %d children",
			ErrCorruptNode, n.pageID, len(n.keys), len(n.children))
	}

	data := make([]byte, pageSize)
	if n.leaf {
		data[page.TagOffset] = byte(page.TypeLeaf)
	} else {
		data[page.TagOffset] = byte(page.TypeInterior)
	}
	binary.LittleEndian.PutUint16(data[1:], uint16(len(n.keys)))

	pos := nodeHeaderSize
	for _, k := range n.keys {
		binary.LittleEndian.PutUint16(data[pos:], uint16(len(k)))
		pos += 2
		pos += copy(data[pos:], k)
	}
	if n.leaf {
		for _, v := range n.values {
			binary.LittleEndian.PutUint16(data[pos:], uint16(len(v)))
			pos += 2
			pos += copy(data[pos:], v)
		}
	} else {
		for _, child := range n.children {
			binary.LittleEndian.PutUint32(data[pos:], uint32(child))
			pos += 4
		}
	}

	checksum := crc32.ChecksumIEEE(data[:pageSize-checksumSize])
	binary.LittleEndian.PutUint32(data[pageSize-checksumSize:], checksum)
	return data, nil
}

// deserializeNode rebuilds a node from a page, verifying the checksum
// before trusting any of it.
func deserializeNode(pg *page.Page) (*node, error) {
	data := pg.Data()
	pageSize := len(data)

	stored := binary.LittleEndian.Uint32(data[pageSize-checksumSize:])
	calculated := crc32.ChecksumIEEE(data[:pageSize-checksumSize])
	if stored != calculated {
		return nil, fmt.Errorf("%w: page %d stored=0x%x calculated=0x%x",
			ErrChecksumMismatch, pg.ID(), stored, calculated)
	}

	tag := pg.Tag()
	if tag != page.TypeLeaf && tag != page.TypeInterior {
		return nil, fmt.Errorf("%w: page %d is %s, not a btree node", ErrCorruptNode, pg.ID(), tag)
	}

	n := &node{pageID: pg.ID(), leaf: tag == page.TypeLeaf}
	numKeys := int(binary.LittleEndian.Uint16(data[1:]))
	limit := pageSize - checksumSize
	pos := nodeHeaderSize

	n.keys = make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		if pos+2 > limit {
			return nil, fmt.Errorf("%w: page %d truncated at key %d", ErrCorruptNode, pg.ID(), i)
		}
		keyLen := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		if pos+keyLen > limit {
			return nil, fmt.Errorf("%w: page %d key %d overruns page", ErrCorruptNode, pg.ID(), i)
		}
		key := make([]byte, keyLen)
		copy(key, data[pos:pos+keyLen])
		n.keys[i] = key
		pos += keyLen
	}

	if n.leaf {
		n.values = make([][]byte, numKeys)
		for i := 0; i < numKeys; i++ {
			if pos+2 > limit {
				return nil, fmt.Errorf("%w: page %d truncated at value %d", ErrCorruptNode, pg.ID(), i)
			}
			valLen := int(binary.LittleEndian.Uint16(data[pos:]))
			pos += 2
			if pos+valLen > limit {
				return nil, fmt.Errorf("%w: page %d value %d overruns page", ErrCorruptNode, pg.ID(), i)
			}
			val := make([]byte, valLen)
			copy(val, data[pos:pos+valLen])
			n.values[i] = val
			pos += valLen
		}
	} else {
		numChildren := numKeys + 1
		if pos+4*numChildren > limit {
			return nil, fmt.Errorf("%w: page %d truncated in child pointers", ErrCorruptNode, pg.ID())
		}
		n.children = make([]page.PageID, numChildren)
		for i := 0; i < numChildren; i++ {
			n.children[i] = page.PageID(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
		}
	}
	return n, nil
}

// insertKeyAt inserts a separator key and its right child into an
// interior node.
func (n *node) insertKeyAt(idx int, key []byte, rightChild page.PageID) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.children = append(n.children, page.InvalidPageID)
	copy(n.children[idx+2:], n.children[idx+1:])
	n.children[idx+1] = rightChild
}

// insertEntryAt inserts a key/value entry into a leaf.
func (n *node) insertEntryAt(idx int, key, value []byte) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.values = append(n.values, nil)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = value
}

// removeEntryAt removes the leaf entry at idx.
func (n *node) removeEntryAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.values = append(n.values[:idx], n.values[idx+1:]...)
}
