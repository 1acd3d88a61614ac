// Package pager implements the page store: it maps logical page numbers
// to fixed-size blocks in a single database file, stages the write
// transaction's dirty pages in memory, serves committed pages through a
// ristretto cache, and retains pre-checkpoint images so concurrent
// readers keep a consistent snapshot.
package pager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"quartzdb/core/storage/page"
	"quartzdb/pkg/telemetry"
)

// Options tunes the pager.
type Options struct {
	// CachePages bounds the clean-page cache, in pages.
	CachePages int
	// NoSync disables fsync during checkpoints. Test use only.
	NoSync bool
}

// View selects which state a page read resolves against. Readers carry
// the commit sequence pinned when their transaction began; the single
// writer additionally sees its own staged pages.
type View struct {
	Snapshot uint64
	Writer   bool
}

// CheckpointResult describes a completed checkpoint.
type CheckpointResult struct {
	ID           string // unique id for this checkpoint attempt
	CommitSeq    uint64
	PagesFlushed int
}

// Pager is the page store. All durability guarantees rest here: dirty
// pages never reach the file outside Checkpoint, and the header is
// written last so a partial checkpoint leaves the previous committed
// state reachable.
type Pager struct {
	mu sync.RWMutex

	dm       *DiskManager
	pageSize int
	noSync   bool
	log      *zap.Logger
	metrics  *telemetry.Metrics

	cache    *ristretto.Cache[uint32, []byte]
	versions *versionStore

	// hdr is the committed header; shadow is the write transaction's
	// view of it (page count, freelist head, schema root / cookie).
	hdr     FileHeader
	shadow  FileHeader
	writing bool
	dirty   map[page.PageID][]byte

	// flushEpoch increments before a checkpoint writes its first byte,
	// in the same critical section that retains pre-images. Readers
	// re-validate it after a committed-page read: an unchanged epoch
	// proves no flush raced the version-store lookup.
	flushEpoch uint64
}

// New creates a pager over an opened disk manager.
func New(dm *DiskManager, header FileHeader, opts Options, log *zap.Logger, metrics *telemetry.Metrics) (*Pager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cachePages := opts.CachePages
	if cachePages < 1 {
		cachePages = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint32, []byte]{
		NumCounters: int64(cachePages) * 10,
		MaxCost:     int64(cachePages) * int64(dm.PageSize()),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating page cache: %w", err)
	}
	return &Pager{
		dm:       dm,
		pageSize: dm.PageSize(),
		noSync:   opts.NoSync,
		log:      log.Named("pager"),
		metrics:  metrics,
		cache:    cache,
		versions: newVersionStore(),
		hdr:      header,
		dirty:    make(map[page.PageID][]byte),
	}, nil
}

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// Header returns the committed file header as seen by the given view:
// the writer sees its shadow header, a reader the header of its snapshot.
func (p *Pager) Header(view View) FileHeader {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if view.Writer && p.writing {
		return p.shadow
	}
	if hdr, ok := p.versions.getHeader(view.Snapshot); ok {
		return hdr
	}
	return p.hdr
}

// CommitSeq returns the sequence number of the last committed checkpoint.
func (p *Pager) CommitSeq() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hdr.CommitSeq
}

// SetSchemaRoot points the shadow header at the catalog B-tree root.
func (p *Pager) SetSchemaRoot(id page.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return ErrNoWriteTxn
	}
	p.shadow.SchemaRoot = uint32(id)
	return nil
}

// BumpSchemaCookie records a schema change in the shadow header.
func (p *Pager) BumpSchemaCookie() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return ErrNoWriteTxn
	}
	p.shadow.SchemaCookie++
	return nil
}

// BeginWrite opens the write set. The transaction manager guarantees a
// single writer; the pager only enforces that one write set exists.
func (p *Pager) BeginWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writing {
		return ErrWriteTxnOpen
	}
	p.writing = true
	p.shadow = p.hdr
	return nil
}

// EndWrite closes the write set after Checkpoint or Discard.
func (p *Pager) EndWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writing = false
	p.dirty = make(map[page.PageID][]byte)
}

// Read returns a copy of the page as visible to the view. Reads beyond
// the view's file bounds fail with ErrPageBounds.
func (p *Pager) Read(view View, id page.PageID) (*page.Page, error) {
	if id == page.InvalidPageID {
		return nil, fmt.Errorf("%w: page 0 is the file header", ErrPageBounds)
	}

	p.mu.RLock()
	if view.Writer && p.writing {
		if uint32(id) >= p.shadow.PageCount {
			p.mu.RUnlock()
			return nil, fmt.Errorf("%w: page %d, file has %d pages", ErrPageBounds, id, p.shadow.PageCount)
		}
		if data, ok := p.dirty[id]; ok {
			p.mu.RUnlock()
			return page.FromData(id, cloneBytes(data)), nil
		}
		p.mu.RUnlock()
		return p.committedPage(id)
	}
	epoch := p.flushEpoch
	hdr := p.hdr
	if snap, ok := p.versions.getHeader(view.Snapshot); ok {
		hdr = snap
	}
	p.mu.RUnlock()

	if uint32(id) >= hdr.PageCount {
		return nil, fmt.Errorf("%w: page %d, snapshot has %d pages", ErrPageBounds, id, hdr.PageCount)
	}
	for {
		if data := p.versions.getPage(id, view.Snapshot); data != nil {
			p.metrics.IncCacheHit()
			return page.FromData(id, cloneBytes(data)), nil
		}
		pg, err := p.committedPage(id)
		if err != nil {
			return nil, err
		}
		// A checkpoint may have flushed between the version lookup and
		// the committed read, handing back post-commit bytes under a
		// pre-commit snapshot. The epoch is bumped together with the
		// pre-image retention, before the flush touches the file: an
		// unchanged epoch proves the bytes match the snapshot, a moved
		// one sends the read back through the version store, where the
		// pre-image now is.
		p.mu.RLock()
		moved := p.flushEpoch != epoch
		epoch = p.flushEpoch
		p.mu.RUnlock()
		if !moved {
			return pg, nil
		}
	}
}

// committedPage serves the latest committed image: cache first, disk on
// a miss.
func (p *Pager) committedPage(id page.PageID) (*page.Page, error) {
	if data, ok := p.cache.Get(uint32(id)); ok {
		p.metrics.IncCacheHit()
		return page.FromData(id, cloneBytes(data)), nil
	}
	p.metrics.IncCacheMiss()

	data := make([]byte, p.pageSize)
	if err := p.dm.ReadPage(id, data); err != nil {
		return nil, err
	}
	p.metrics.IncPagesRead()
	p.cache.Set(uint32(id), cloneBytes(data), int64(p.pageSize))
	return page.FromData(id, data), nil
}

// Write stages a page image in the write set. Nothing reaches the file
// until Checkpoint.
func (p *Pager) Write(id page.PageID, data []byte) error {
	if len(data) != p.pageSize {
		return fmt.Errorf("%w: page image size %d does not match page size %d", ErrIO, len(data), p.pageSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return ErrNoWriteTxn
	}
	if uint32(id) >= p.shadow.PageCount {
		return fmt.Errorf("%w: page %d not allocated", ErrPageBounds, id)
	}
	p.dirty[id] = cloneBytes(data)
	return nil
}

// Allocate returns a usable page number: the freelist head when the
// list is non-empty, otherwise one past the current end of the file.
// The page content starts zeroed.
func (p *Pager) Allocate() (page.PageID, error) {
	p.mu.Lock()
	if !p.writing {
		p.mu.Unlock()
		return page.InvalidPageID, ErrNoWriteTxn
	}
	head := page.PageID(p.shadow.FreelistHead)
	p.mu.Unlock()

	if head != page.InvalidPageID {
		// Pop the freelist head; its stored link becomes the new head.
		pg, err := p.Read(View{Writer: true}, head)
		if err != nil {
			return page.InvalidPageID, err
		}
		next, err := pg.FreelistNext()
		if err != nil {
			return page.InvalidPageID, fmt.Errorf("%w: corrupt freelist at page %d: %v", ErrIO, head, err)
		}
		p.mu.Lock()
		p.shadow.FreelistHead = uint32(next)
		p.dirty[head] = make([]byte, p.pageSize)
		p.mu.Unlock()
		p.metrics.IncPagesAllocated()
		return head, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return page.InvalidPageID, ErrNoWriteTxn
	}
	id := page.PageID(p.shadow.PageCount)
	p.shadow.PageCount++
	p.dirty[id] = make([]byte, p.pageSize)
	p.metrics.IncPagesAllocated()
	return id, nil
}

// Free pushes the page onto the freelist head.
func (p *Pager) Free(id page.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return ErrNoWriteTxn
	}
	if id == page.InvalidPageID || uint32(id) >= p.shadow.PageCount {
		return fmt.Errorf("%w: cannot free page %d", ErrPageBounds, id)
	}
	data := make([]byte, p.pageSize)
	pg := page.FromData(id, data)
	pg.SetFreelistNext(page.PageID(p.shadow.FreelistHead))
	p.dirty[id] = data
	p.shadow.FreelistHead = uint32(id)
	p.metrics.IncPagesFreed()
	return nil
}

// Checkpoint durably flushes the write set: content pages in ascending
// page order, then freelist pages, then the header. Pre-checkpoint
// images of every overwritten page are retained first so active readers
// keep their snapshot. The write set stays open (empty) until EndWrite.
func (p *Pager) Checkpoint(newSeq uint64) (CheckpointResult, error) {
	ckptID := uuid.New().String()

	p.mu.Lock()
	if !p.writing {
		p.mu.Unlock()
		return CheckpointResult{}, ErrNoWriteTxn
	}
	if newSeq <= p.hdr.CommitSeq {
		p.mu.Unlock()
		return CheckpointResult{}, fmt.Errorf("%w: checkpoint sequence %d not after committed %d", ErrIO, newSeq, p.hdr.CommitSeq)
	}

	// Retain pre-images of every page the flush will overwrite, so a
	// reader mid-scan can never observe half a commit.
	oldHdr := p.hdr
	for id := range p.dirty {
		if uint32(id) >= oldHdr.PageCount {
			continue // page did not exist in the committed state
		}
		pg, err := p.committedPage(id)
		if err != nil {
			p.mu.Unlock()
			return CheckpointResult{}, fmt.Errorf("retaining pre-image of page %d: %w", id, err)
		}
		p.versions.putPage(id, newSeq, pg.Data())
	}
	p.versions.putHeader(newSeq, oldHdr)
	p.flushEpoch++

	newHdr := p.shadow
	newHdr.CommitSeq = newSeq
	flush := make(map[page.PageID][]byte, len(p.dirty))
	for id, data := range p.dirty {
		flush[id] = data
	}
	p.mu.Unlock()

	content, freelist := orderForFlush(flush)
	for _, id := range content {
		if err := p.dm.WritePage(id, flush[id]); err != nil {
			return CheckpointResult{}, err
		}
	}
	for _, id := range freelist {
		if err := p.dm.WritePage(id, flush[id]); err != nil {
			return CheckpointResult{}, err
		}
	}
	if !p.noSync {
		if err := p.dm.Sync(); err != nil {
			return CheckpointResult{}, err
		}
	}
	// The header write is the commit point.
	if err := p.dm.WriteHeader(newHdr, !p.noSync); err != nil {
		return CheckpointResult{}, err
	}

	p.mu.Lock()
	p.hdr = newHdr
	p.shadow = newHdr
	for id, data := range flush {
		p.cache.Set(uint32(id), data, int64(p.pageSize))
	}
	p.dirty = make(map[page.PageID][]byte)
	p.mu.Unlock()

	res := CheckpointResult{ID: ckptID, CommitSeq: newSeq, PagesFlushed: len(flush)}
	p.metrics.AddPagesWritten(len(flush))
	p.metrics.ObserveCheckpoint(len(flush))
	p.log.Debug("checkpoint complete",
		zap.String("checkpoint_id", res.ID),
		zap.Uint64("commit_seq", res.CommitSeq),
		zap.Int("pages_flushed", res.PagesFlushed))
	return res, nil
}

// Discard drops the write set without touching the file. Rollback is
// always safe: uncommitted pages exist only here.
func (p *Pager) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = make(map[page.PageID][]byte)
	p.shadow = p.hdr
}

// GC releases retained page versions no active reader can reach.
// minSnapshot is the smallest snapshot among live readers, or the
// current commit sequence when none are active.
func (p *Pager) GC(minSnapshot uint64) {
	p.versions.gc(minSnapshot)
}

// RetainedVersions reports the number of retained page images, for
// tests and introspection.
func (p *Pager) RetainedVersions() int {
	return p.versions.retainedPages()
}

// Close releases the cache and the underlying file.
func (p *Pager) Close() error {
	p.cache.Close()
	return p.dm.Close()
}

// orderForFlush splits the write set into content pages and freelist
// pages, each sorted ascending. Freelist pages flush after content so
// an interrupted checkpoint never publishes a freelist entry for a page
// whose new content did not make it to disk.
func orderForFlush(flush map[page.PageID][]byte) (content, freelist []page.PageID) {
	for id, data := range flush {
		if page.Type(data[page.TagOffset]) == page.TypeFreelist {
			freelist = append(freelist, id)
		} else {
			content = append(content, id)
		}
	}
	sort.Slice(content, func(i, j int) bool { return content[i] < content[j] })
	sort.Slice(freelist, func(i, j int) bool { return freelist[i] < freelist[j] })
	return content, freelist
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
