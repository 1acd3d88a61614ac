// Package catalog persists schema metadata: tables, secondary indexes
// and views, one record per object, in a dedicated B-tree rooted from
// the file header. An in-memory cache avoids re-reading the tree on
// every statement; the header's schema cookie invalidates it whenever
// any transaction changes the schema.
package catalog

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"quartzdb/core/index/btree"
	"quartzdb/core/storage/page"
	"quartzdb/core/storage/pager"
	"quartzdb/core/storage/record"
)

var (
	// ErrSchema covers every schema-level failure: unknown objects,
	// duplicate names, malformed catalog records.
	ErrSchema = errors.New("schema error")
)

// ObjectKind discriminates catalog records.
type ObjectKind uint8

const (
	KindTable ObjectKind = iota + 1
	KindIndex
	KindView
)

func (k ObjectKind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindIndex:
		return "index"
	case KindView:
		return "view"
	default:
		return "unknown"
	}
}

// Column describes one table column.
type Column struct {
	Name       string
	Type       record.ValueType
	NotNull    bool
	PrimaryKey bool
	HasDefault bool
	Default    record.Value
}

// Table is a stored table: its row B-tree root and column layout. An
// INTEGER PRIMARY KEY column aliases the rowid.
type Table struct {
	Name    string
	Root    page.PageID
	Columns []Column
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// RowidAlias returns the INTEGER PRIMARY KEY column position, or -1
// when the table has no rowid alias.
func (t *Table) RowidAlias() int {
	for i, c := range t.Columns {
		if c.PrimaryKey && c.Type == record.Integer {
			return i
		}
	}
	return -1
}

// Index is a stored single-column secondary index.
type Index struct {
	Name   string
	Table  string
	Column string
	Root   page.PageID
}

// View is a stored named query. Definition is the serialized statement
// tree, re-executed on every select from the view.
type View struct {
	Name       string
	Definition []byte
}

// Catalog reads and writes schema objects through the pager. Safe for
// concurrent readers; schema mutations run under the single writer.
type Catalog struct {
	pager  *pager.Pager
	degree int
	log    *zap.Logger

	mu    sync.Mutex
	cache *schemaCache
}

// schemaCache is one materialized view of the whole schema, valid for a
// specific (cookie, root) pair.
type schemaCache struct {
	cookie  uint32
	root    page.PageID
	tables  map[string]*Table
	indexes map[string]*Index
	views   map[string]*View
}

// New creates a catalog over the pager. degree is the B-tree degree
// used for the catalog tree and every object tree it creates.
func New(p *pager.Pager, degree int, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{pager: p, degree: degree, log: log.Named("catalog")}
}

// Degree returns the configured B-tree degree.
func (c *Catalog) Degree() int { return c.degree }

// objectKey builds the catalog B-tree key for an object: a kind byte
// followed by the raw name, which keeps objects grouped by kind.
func objectKey(kind ObjectKind, name string) []byte {
	key := make([]byte, 0, len(name)+1)
	key = append(key, byte(kind))
	return append(key, name...)
}

// load returns the schema as visible to the view, using the cache when
// the cookie and root still match.
func (c *Catalog) load(view pager.View) (*schemaCache, error) {
	hdr := c.pager.Header(view)
	root := page.PageID(hdr.SchemaRoot)

	c.mu.Lock()
	if c.cache != nil && c.cache.cookie == hdr.SchemaCookie && c.cache.root == root {
		cached := c.cache
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	cache := &schemaCache{
		cookie:  hdr.SchemaCookie,
		root:    root,
		tables:  make(map[string]*Table),
		indexes: make(map[string]*Index),
		views:   make(map[string]*View),
	}
	if root != page.InvalidPageID {
		tree, err := btree.Open(c.pager, view, root, c.degree, c.log)
		if err != nil {
			return nil, err
		}
		cur := tree.NewCursor(btree.Bound{}, btree.Bound{})
		for {
			key, value, ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if len(key) < 2 {
				return nil, fmt.Errorf("%w: catalog key too short", ErrSchema)
			}
			switch ObjectKind(key[0]) {
			case KindTable:
				tbl, err := decodeTable(value)
				if err != nil {
					return nil, err
				}
				cache.tables[tbl.Name] = tbl
			case KindIndex:
				idx, err := decodeIndex(value)
				if err != nil {
					return nil, err
				}
				cache.indexes[idx.Name] = idx
			case KindView:
				vw, err := decodeView(value)
				if err != nil {
					return nil, err
				}
				cache.views[vw.Name] = vw
			default:
				return nil, fmt.Errorf("%w: unknown catalog object kind %d", ErrSchema, key[0])
			}
		}
	}

	c.mu.Lock()
	c.cache = cache
	c.mu.Unlock()
	c.log.Debug("schema cache rebuilt",
		zap.Uint32("cookie", hdr.SchemaCookie),
		zap.Int("tables", len(cache.tables)),
		zap.Int("indexes", len(cache.indexes)),
		zap.Int("views", len(cache.views)))
	return cache, nil
}

// Table looks up a table by name.
func (c *Catalog) Table(view pager.View, name string) (*Table, error) {
	cache, err := c.load(view)
	if err != nil {
		return nil, err
	}
	tbl, ok := cache.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: no such table %q", ErrSchema, name)
	}
	return tbl, nil
}

// HasTable reports whether a table (not a view) exists.
func (c *Catalog) HasTable(view pager.View, name string) (bool, error) {
	cache, err := c.load(view)
	if err != nil {
		return false, err
	}
	_, ok := cache.tables[name]
	return ok, nil
}

// Index looks up an index by name.
func (c *Catalog) Index(view pager.View, name string) (*Index, error) {
	cache, err := c.load(view)
	if err != nil {
		return nil, err
	}
	idx, ok := cache.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: no such index %q", ErrSchema, name)
	}
	return idx, nil
}

// IndexesOn returns every index covering the table, in name order as
// stored.
func (c *Catalog) IndexesOn(view pager.View, table string) ([]*Index, error) {
	cache, err := c.load(view)
	if err != nil {
		return nil, err
	}
	var out []*Index
	for _, idx := range cache.indexes {
		if idx.Table == table {
			out = append(out, idx)
		}
	}
	return out, nil
}

// View looks up a view by name.
func (c *Catalog) View(view pager.View, name string) (*View, error) {
	cache, err := c.load(view)
	if err != nil {
		return nil, err
	}
	vw, ok := cache.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: no such view %q", ErrSchema, name)
	}
	return vw, nil
}

// Tables returns the names of all tables.
func (c *Catalog) Tables(view pager.View) ([]string, error) {
	cache, err := c.load(view)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(cache.tables))
	for name := range cache.tables {
		out = append(out, name)
	}
	return out, nil
}

// Indexes returns the names of every secondary index.
func (c *Catalog) Indexes(view pager.View) ([]string, error) {
	cache, err := c.load(view)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(cache.indexes))
	for name := range cache.indexes {
		out = append(out, name)
	}
	return out, nil
}

// Views returns the names of every stored view.
func (c *Catalog) Views(view pager.View) ([]string, error) {
	cache, err := c.load(view)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(cache.views))
	for name := range cache.views {
		out = append(out, name)
	}
	return out, nil
}

// nameTaken reports whether any object of any kind uses the name.
func (cache *schemaCache) nameTaken(name string) bool {
	if _, ok := cache.tables[name]; ok {
		return true
	}
	if _, ok := cache.indexes[name]; ok {
		return true
	}
	if _, ok := cache.views[name]; ok {
		return true
	}
	return false
}

// writeTree opens the catalog tree inside the write transaction,
// creating it on first use.
func (c *Catalog) writeTree() (*btree.BTree, error) {
	view := pager.View{Writer: true}
	hdr := c.pager.Header(view)
	root := page.PageID(hdr.SchemaRoot)
	if root == page.InvalidPageID {
		var err error
		root, err = btree.Create(c.pager, c.degree, c.log)
		if err != nil {
			return nil, err
		}
		if err := c.pager.SetSchemaRoot(root); err != nil {
			return nil, err
		}
	}
	return btree.Open(c.pager, view, root, c.degree, c.log)
}

// put stores one object record and registers the schema change.
func (c *Catalog) put(kind ObjectKind, name string, value []byte) error {
	tree, err := c.writeTree()
	if err != nil {
		return err
	}
	if err := tree.Put(objectKey(kind, name), value); err != nil {
		return err
	}
	if err := c.pager.SetSchemaRoot(tree.Root()); err != nil {
		return err
	}
	return c.pager.BumpSchemaCookie()
}

// delete removes one object record and registers the schema change.
func (c *Catalog) delete(kind ObjectKind, name string) error {
	tree, err := c.writeTree()
	if err != nil {
		return err
	}
	if err := tree.Delete(objectKey(kind, name)); err != nil {
		return err
	}
	if err := c.pager.SetSchemaRoot(tree.Root()); err != nil {
		return err
	}
	return c.pager.BumpSchemaCookie()
}

// CreateTable records a new table. The caller has already created the
// row tree. Fails when any object holds the name.
func (c *Catalog) CreateTable(tbl *Table) error {
	cache, err := c.load(pager.View{Writer: true})
	if err != nil {
		return err
	}
	if cache.nameTaken(tbl.Name) {
		return fmt.Errorf("%w: object %q already exists", ErrSchema, tbl.Name)
	}
	if len(tbl.Columns) == 0 {
		return fmt.Errorf("%w: table %q has no columns", ErrSchema, tbl.Name)
	}
	value, err := encodeTable(tbl)
	if err != nil {
		return err
	}
	return c.put(KindTable, tbl.Name, value)
}

// UpdateTableRoot re-records a table after its row tree root moved.
func (c *Catalog) UpdateTableRoot(name string, root page.PageID) error {
	tbl, err := c.Table(pager.View{Writer: true}, name)
	if err != nil {
		return err
	}
	updated := *tbl
	updated.Root = root
	value, err := encodeTable(&updated)
	if err != nil {
		return err
	}
	return c.put(KindTable, name, value)
}

// DropTable removes the table record and the records of every index on
// it. The caller frees the trees.
func (c *Catalog) DropTable(name string) error {
	view := pager.View{Writer: true}
	if _, err := c.Table(view, name); err != nil {
		return err
	}
	indexes, err := c.IndexesOn(view, name)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := c.delete(KindIndex, idx.Name); err != nil {
			return err
		}
	}
	return c.delete(KindTable, name)
}

// CreateIndex records a new index. The caller has already built the
// index tree.
func (c *Catalog) CreateIndex(idx *Index) error {
	view := pager.View{Writer: true}
	cache, err := c.load(view)
	if err != nil {
		return err
	}
	if cache.nameTaken(idx.Name) {
		return fmt.Errorf("%w: object %q already exists", ErrSchema, idx.Name)
	}
	tbl, ok := cache.tables[idx.Table]
	if !ok {
		return fmt.Errorf("%w: no such table %q", ErrSchema, idx.Table)
	}
	if tbl.ColumnIndex(idx.Column) < 0 {
		return fmt.Errorf("%w: table %q has no column %q", ErrSchema, idx.Table, idx.Column)
	}
	value, err := encodeIndex(idx)
	if err != nil {
		return err
	}
	return c.put(KindIndex, idx.Name, value)
}

// UpdateIndexRoot re-records an index after its tree root moved.
func (c *Catalog) UpdateIndexRoot(name string, root page.PageID) error {
	idx, err := c.Index(pager.View{Writer: true}, name)
	if err != nil {
		return err
	}
	updated := *idx
	updated.Root = root
	value, err := encodeIndex(&updated)
	if err != nil {
		return err
	}
	return c.put(KindIndex, name, value)
}

// CreateView records a named query.
func (c *Catalog) CreateView(vw *View) error {
	cache, err := c.load(pager.View{Writer: true})
	if err != nil {
		return err
	}
	if cache.nameTaken(vw.Name) {
		return fmt.Errorf("%w: object %q already exists", ErrSchema, vw.Name)
	}
	value, err := encodeView(vw)
	if err != nil {
		return err
	}
	return c.put(KindView, vw.Name, value)
}

// DropView removes a view record.
func (c *Catalog) DropView(name string) error {
	if _, err := c.View(pager.View{Writer: true}, name); err != nil {
		return err
	}
	return c.delete(KindView, name)
}
