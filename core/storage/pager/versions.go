package pager

import (
	"sort"
	"sync"

	"quartzdb/core/storage/page"
)

// pageVersion retains the pre-checkpoint image of a page for readers
// whose snapshot predates the checkpoint that overwrote it. validUntil
// is the commit sequence of that checkpoint: a reader with snapshot s
// needs this image iff s < validUntil.
type pageVersion struct {
	validUntil uint64
	data       []byte
}

// versionStore keeps retained page images, newest last per page. It is
// in-memory only: after a crash no readers exist, so losing it is
// harmless.
type versionStore struct {
	mu      sync.RWMutex
	pages   map[page.PageID][]pageVersion
	headers []headerVersion
}

type headerVersion struct {
	validUntil uint64
	header     FileHeader
}

func newVersionStore() *versionStore {
	return &versionStore{pages: make(map[page.PageID][]pageVersion)}
}

// putPage retains data as the image of id that was current before the
// checkpoint committing at seq validUntil.
func (vs *versionStore) putPage(id page.PageID, validUntil uint64, data []byte) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.pages[id] = append(vs.pages[id], pageVersion{validUntil: validUntil, data: data})
}

// getPage returns the oldest retained image of id still newer than the
// snapshot, or nil when the current committed image is the right one.
func (vs *versionStore) getPage(id page.PageID, snapshot uint64) []byte {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	versions := vs.pages[id]
	i := sort.Search(len(versions), func(i int) bool {
		return versions[i].validUntil > snapshot
	})
	if i == len(versions) {
		return nil
	}
	return versions[i].data
}

// putHeader retains the pre-checkpoint file header.
func (vs *versionStore) putHeader(validUntil uint64, header FileHeader) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.headers = append(vs.headers, headerVersion{validUntil: validUntil, header: header})
}

// getHeader returns the retained header for the snapshot, or false when
// the current committed header applies.
func (vs *versionStore) getHeader(snapshot uint64) (FileHeader, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	i := sort.Search(len(vs.headers), func(i int) bool {
		return vs.headers[i].validUntil > snapshot
	})
	if i == len(vs.headers) {
		return FileHeader{}, false
	}
	return vs.headers[i].header, true
}

// gc drops every retained image no active reader can need: once the
// minimum live snapshot has reached validUntil, the image is dead.
func (vs *versionStore) gc(minSnapshot uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for id, versions := range vs.pages {
		i := sort.Search(len(versions), func(i int) bool {
			return versions[i].validUntil > minSnapshot
		})
		if i == 0 {
			continue
		}
		if i == len(versions) {
			delete(vs.pages, id)
			continue
		}
		vs.pages[id] = append([]pageVersion(nil), versions[i:]...)
	}
	i := sort.Search(len(vs.headers), func(i int) bool {
		return vs.headers[i].validUntil > minSnapshot
	})
	if i > 0 {
		vs.headers = append([]headerVersion(nil), vs.headers[i:]...)
	}
}

// retainedPages reports how many page images are currently held.
func (vs *versionStore) retainedPages() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	n := 0
	for _, v := range vs.pages {
		n += len(v)
	}
	return n
}
