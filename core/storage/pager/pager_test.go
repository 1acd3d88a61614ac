package pager_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"quartzdb/core/storage/page"
	"quartzdb/core/storage/pager"
)

func openTestPager(t *testing.T, path string, create bool) *pager.Pager {
	t.Helper()
	dm := pager.NewDiskManager(path, 4096)
	hdr, err := dm.OpenOrCreate(create)
	require.NoError(t, err)
	p, err := pager.New(dm, hdr, pager.Options{CachePages: 16, NoSync: true}, nil, nil)
	require.NoError(t, err)
	return p
}

// leafImage builds a full page image tagged as a leaf with a marker byte.
func leafImage(t *testing.T, p *pager.Pager, marker byte) []byte {
	t.Helper()
	data := make([]byte, p.PageSize())
	data[page.TagOffset] = byte(page.TypeLeaf)
	data[100] = marker
	return data
}

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.qdb")

	p := openTestPager(t, path, true)
	require.NoError(t, p.BeginWrite())
	id, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, page.PageID(1), id, "first allocation follows the header page")
	require.NoError(t, p.Write(id, leafImage(t, p, 0x11)))
	_, err = p.Checkpoint(1)
	require.NoError(t, err)
	p.EndWrite()
	require.NoError(t, p.Close())

	p = openTestPager(t, path, false)
	defer p.Close()
	hdr := p.Header(pager.View{Snapshot: p.CommitSeq()})
	require.Equal(t, uint64(1), hdr.CommitSeq)
	require.Equal(t, uint32(2), hdr.PageCount)

	pg, err := p.Read(pager.View{Snapshot: 1}, id)
	require.NoError(t, err)
	require.Equal(t, page.TypeLeaf, pg.Tag())
	require.Equal(t, byte(0x11), pg.Data()[100])
}

// TestSnapshotStableUnderCheckpointStorm races pinned-snapshot readers
// against a checkpoint loop rewriting the same page. A reader must see
// its snapshot's image on every read, no matter how the version-store
// lookup interleaves with the flush.
func TestSnapshotStableUnderCheckpointStorm(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "storm.qdb"), true)
	defer p.Close()

	require.NoError(t, p.BeginWrite())
	id, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Write(id, leafImage(t, p, 0x11)))
	_, err = p.Checkpoint(1)
	require.NoError(t, err)
	p.EndWrite()

	done := make(chan struct{})
	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view := pager.View{Snapshot: 1}
			for {
				select {
				case <-done:
					return
				default:
				}
				pg, err := p.Read(view, id)
				if err != nil {
					errs <- err
					return
				}
				if pg.Data()[100] != 0x11 {
					errs <- fmt.Errorf("snapshot 1 observed marker %#x", pg.Data()[100])
					return
				}
			}
		}()
	}

	for seq := uint64(2); seq <= 200; seq++ {
		require.NoError(t, p.BeginWrite())
		require.NoError(t, p.Write(id, leafImage(t, p, byte(seq))))
		_, err := p.Checkpoint(seq)
		require.NoError(t, err)
		p.EndWrite()
	}
	close(done)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestMutationsRequireWriteTxn(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "txn.qdb"), true)
	defer p.Close()

	_, err := p.Allocate()
	require.ErrorIs(t, err, pager.ErrNoWriteTxn)
	err = p.Write(1, make([]byte, p.PageSize()))
	require.ErrorIs(t, err, pager.ErrNoWriteTxn)
	err = p.Free(1)
	require.ErrorIs(t, err, pager.ErrNoWriteTxn)
	_, err = p.Checkpoint(1)
	require.ErrorIs(t, err, pager.ErrNoWriteTxn)

	require.NoError(t, p.BeginWrite())
	require.ErrorIs(t, p.BeginWrite(), pager.ErrWriteTxnOpen)
}

func TestDiscardLeavesFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discard.qdb")

	p := openTestPager(t, path, true)
	require.NoError(t, p.BeginWrite())
	id, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Write(id, leafImage(t, p, 0x22)))
	_, err = p.Checkpoint(1)
	require.NoError(t, err)
	p.EndWrite()

	// Stage an overwrite and a fresh allocation, then roll back.
	require.NoError(t, p.BeginWrite())
	require.NoError(t, p.Write(id, leafImage(t, p, 0x33)))
	_, err = p.Allocate()
	require.NoError(t, err)
	p.Discard()
	p.EndWrite()
	require.NoError(t, p.Close())

	p = openTestPager(t, path, false)
	defer p.Close()
	hdr := p.Header(pager.View{Snapshot: p.CommitSeq()})
	require.Equal(t, uint64(1), hdr.CommitSeq)
	require.Equal(t, uint32(2), hdr.PageCount, "rolled-back allocation must not grow the file")

	pg, err := p.Read(pager.View{Snapshot: 1}, id)
	require.NoError(t, err)
	require.Equal(t, byte(0x22), pg.Data()[100])
}

func TestUncommittedPagesNeverReachDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.qdb")

	p := openTestPager(t, path, true)
	require.NoError(t, p.BeginWrite())
	id, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Write(id, leafImage(t, p, 0x44)))
	_, err = p.Checkpoint(1)
	require.NoError(t, err)
	p.EndWrite()

	// Stage writes and close without a checkpoint, as a crash would.
	require.NoError(t, p.BeginWrite())
	require.NoError(t, p.Write(id, leafImage(t, p, 0x55)))
	require.NoError(t, p.Close())

	p = openTestPager(t, path, false)
	defer p.Close()
	require.Equal(t, uint64(1), p.CommitSeq())
	pg, err := p.Read(pager.View{Snapshot: 1}, id)
	require.NoError(t, err)
	require.Equal(t, byte(0x44), pg.Data()[100], "staged write must not survive a crash")
}

func TestFreelistReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "freelist.qdb")

	p := openTestPager(t, path, true)
	defer p.Close()
	require.NoError(t, p.BeginWrite())
	var ids []page.PageID
	for i := 0; i < 3; i++ {
		id, err := p.Allocate()
		require.NoError(t, err)
		require.NoError(t, p.Write(id, leafImage(t, p, byte(i))))
		ids = append(ids, id)
	}
	_, err := p.Checkpoint(1)
	require.NoError(t, err)
	p.EndWrite()

	require.NoError(t, p.BeginWrite())
	require.NoError(t, p.Free(ids[1]))
	_, err = p.Checkpoint(2)
	require.NoError(t, err)
	p.EndWrite()

	require.NoError(t, p.BeginWrite())
	got, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, ids[1], got, "allocation must pop the freelist before growing the file")

	next, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, page.PageID(4), next, "empty freelist grows the file")

	hdr := p.Header(pager.View{Writer: true})
	require.Equal(t, uint32(page.InvalidPageID), hdr.FreelistHead)
}

func TestSnapshotVisibilityAcrossCheckpoints(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "snapshot.qdb"), true)
	defer p.Close()

	require.NoError(t, p.BeginWrite())
	id, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Write(id, leafImage(t, p, 0x01)))
	_, err = p.Checkpoint(1)
	require.NoError(t, err)
	p.EndWrite()

	// A reader pinned at snapshot 1 must see the old image across the
	// next checkpoint.
	reader := pager.View{Snapshot: 1}

	require.NoError(t, p.BeginWrite())
	require.NoError(t, p.Write(id, leafImage(t, p, 0x02)))
	_, err = p.Checkpoint(2)
	require.NoError(t, err)
	p.EndWrite()

	pg, err := p.Read(reader, id)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), pg.Data()[100])

	pg, err = p.Read(pager.View{Snapshot: 2}, id)
	require.NoError(t, err)
	require.Equal(t, byte(0x02), pg.Data()[100])

	require.Positive(t, p.RetainedVersions())
	p.GC(2)
	require.Zero(t, p.RetainedVersions(), "no reader below snapshot 2 remains")
}

func TestSnapshotBoundsIgnoreLaterGrowth(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "bounds.qdb"), true)
	defer p.Close()

	require.NoError(t, p.BeginWrite())
	id, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Write(id, leafImage(t, p, 0x01)))
	_, err = p.Checkpoint(1)
	require.NoError(t, err)
	p.EndWrite()

	require.NoError(t, p.BeginWrite())
	id2, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Write(id2, leafImage(t, p, 0x02)))
	_, err = p.Checkpoint(2)
	require.NoError(t, err)
	p.EndWrite()

	// Snapshot 1 predates id2's allocation.
	_, err = p.Read(pager.View{Snapshot: 1}, id2)
	require.ErrorIs(t, err, pager.ErrPageBounds)
	_, err = p.Read(pager.View{Snapshot: 2}, id2)
	require.NoError(t, err)
}

func TestSchemaHeaderShadowing(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "schema.qdb"), true)
	defer p.Close()

	require.NoError(t, p.BeginWrite())
	root, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Write(root, leafImage(t, p, 0x00)))
	require.NoError(t, p.SetSchemaRoot(root))
	require.NoError(t, p.BumpSchemaCookie())

	// Writer sees the staged header, a committed-state reader does not.
	require.Equal(t, uint32(root), p.Header(pager.View{Writer: true}).SchemaRoot)
	require.Zero(t, p.Header(pager.View{Snapshot: 0}).SchemaRoot)

	_, err = p.Checkpoint(1)
	require.NoError(t, err)
	p.EndWrite()

	hdr := p.Header(pager.View{Snapshot: 1})
	require.Equal(t, uint32(root), hdr.SchemaRoot)
	require.Equal(t, uint32(1), hdr.SchemaCookie)
}

func TestCheckpointSequenceMustAdvance(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "seq.qdb"), true)
	defer p.Close()

	require.NoError(t, p.BeginWrite())
	_, err := p.Checkpoint(3)
	require.NoError(t, err)
	_, err = p.Checkpoint(3)
	require.Error(t, err)
	_, err = p.Checkpoint(2)
	require.Error(t, err)
	_, err = p.Checkpoint(4)
	require.NoError(t, err)
	p.EndWrite()
}

func TestReopenValidatesFile(t *testing.T) {
	dir := t.TempDir()

	dm := pager.NewDiskManager(filepath.Join(dir, "missing.qdb"), 4096)
	_, err := dm.OpenOrCreate(false)
	require.ErrorIs(t, err, pager.ErrDBFileNotFound)

	path := filepath.Join(dir, "exists.qdb")
	p := openTestPager(t, path, true)
	require.NoError(t, p.Close())

	// Reopening with a different page size must be rejected.
	dm = pager.NewDiskManager(path, 8192)
	_, err = dm.OpenOrCreate(false)
	require.Error(t, err)
}
