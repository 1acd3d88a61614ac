package btree_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"quartzdb/core/index/btree"
	"quartzdb/core/storage/pager"
	"quartzdb/core/storage/record"
)

const benchDegree = 16

func loadTree(b *testing.B, n int) (*pager.Pager, *btree.BTree) {
	b.Helper()
	p, tree := newTestTree(b, benchDegree)
	for i := 0; i < n; i++ {
		key := record.RowidKey(int64(i))
		require.NoError(b, tree.Insert(key, []byte(fmt.Sprintf("value-%d", i))))
	}
	return p, tree
}

func BenchmarkInsertSequential(b *testing.B) {
	_, tree := newTestTree(b, benchDegree)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tree.Insert(record.RowidKey(int64(i)), []byte("benchmark-value")); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkInsertRandom(b *testing.B) {
	_, tree := newTestTree(b, benchDegree)
	rng := rand.New(rand.NewSource(1))
	keys := make([][]byte, b.N)
	for i := range keys {
		keys[i] = record.RowidKey(rng.Int63())
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tree.Put(keys[i], []byte("benchmark-value")); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFind(b *testing.B) {
	const n = 10000
	_, tree := loadTree(b, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := tree.Find(record.RowidKey(int64(i % n))); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkScan(b *testing.B) {
	const n = 10000
	_, tree := loadTree(b, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cur := tree.NewCursor(btree.Bound{}, btree.Bound{})
		for {
			_, _, ok, err := cur.Next()
			if err != nil {
				b.Fatal(err)
			}
			if !ok {
				break
			}
		}
	}
}

// BenchmarkConcurrentFind measures snapshot reads fanned out across
// goroutines against a checkpointed tree.
func BenchmarkConcurrentFind(b *testing.B) {
	const n = 10000
	p, tree := loadTree(b, n)
	root := tree.Root()
	_, err := p.Checkpoint(1)
	require.NoError(b, err)
	p.EndWrite()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		snap, err := btree.Open(p, pager.View{Snapshot: 1}, root, benchDegree, nil)
		if err != nil {
			b.Fatal(err)
		}
		rng := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			if _, _, err := snap.Find(record.RowidKey(rng.Int63n(n))); err != nil {
				b.Fatal(err)
			}
		}
	})
}
